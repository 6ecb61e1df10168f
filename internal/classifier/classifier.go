package classifier

import "context"

// Prediction is one ranked entry produced by the species model.
type Prediction struct {
	Label      string
	Confidence float32
}

// Client exposes the single call the identification flow makes against the
// pretrained model. Implementations may return predictions in any order.
type Client interface {
	Classify(ctx context.Context, image []byte) ([]Prediction, error)
}
