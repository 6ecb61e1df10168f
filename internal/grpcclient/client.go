package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/flower-id/internal/classifier"
	"github.com/example/flower-id/internal/logging"
)

// ClassifyMethod is the unary RPC served by the model host. The request is a
// google.protobuf.BytesValue holding the encoded image; the response is a
// google.protobuf.Struct of the form {"predictions":[{"label":..,"confidence":..}]}.
const ClassifyMethod = "/flowerid.v1.Classifier/Classify"

var errMissingPredictions = errors.New("response has no predictions list")

// DialClassifier returns a ready-to-use gRPC client for the model host.
func DialClassifier(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (classifier.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &grpcClassifier{conn: conn, logger: logger.Named("classifier")}, conn, nil
}

type grpcClassifier struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcClassifier) Classify(ctx context.Context, image []byte) ([]classifier.Prediction, error) {
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ClassifyMethod, wrapperspb.Bytes(image), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.classify", "", err)
		g.logger.Error("classifier call failed", zap.Error(wrapped), zap.Int("image_bytes", len(image)))
		return nil, wrapped
	}

	predictions, err := decodePredictions(resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_predictions", "", err)
	}
	g.logger.Debug("classifier responded", zap.Int("predictions", len(predictions)))
	return predictions, nil
}

func decodePredictions(resp *structpb.Struct) ([]classifier.Prediction, error) {
	field, ok := resp.GetFields()["predictions"]
	if !ok {
		return nil, errMissingPredictions
	}
	list := field.GetListValue()
	if list == nil {
		if _, isNull := field.GetKind().(*structpb.Value_NullValue); isNull {
			return nil, nil
		}
		return nil, fmt.Errorf("predictions is %T, want list", field.GetKind())
	}

	out := make([]classifier.Prediction, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		entry := v.GetStructValue()
		if entry == nil {
			continue
		}
		label, ok := entry.GetFields()["label"].GetKind().(*structpb.Value_StringValue)
		if !ok || label.StringValue == "" {
			continue
		}
		confidence, ok := entry.GetFields()["confidence"].GetKind().(*structpb.Value_NumberValue)
		if !ok {
			continue
		}
		out = append(out, classifier.Prediction{
			Label:      label.StringValue,
			Confidence: float32(confidence.NumberValue),
		})
	}
	return out, nil
}
