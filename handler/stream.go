package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-relay/internal/fanout"
	"chat-relay/internal/repository"
)

type BatchProcessor interface {
	ProcessBatch(ctx context.Context, records []fanout.Record) fanout.BatchResult
}

// StreamHandler consumes the messages table's DynamoDB stream and reports
// partial batch failures so Lambda redelivers from the failed record.
type StreamHandler struct {
	engine BatchProcessor
	logger *slog.Logger
}

func NewStreamHandler(engine BatchProcessor, logger *slog.Logger) (*StreamHandler, error) {
	if engine == nil {
		return nil, errors.New("handler: batch processor must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{engine: engine, logger: logger}, nil
}

func (h *StreamHandler) Handle(ctx context.Context, ev events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	records := make([]fanout.Record, 0, len(ev.Records))
	for _, rec := range ev.Records {
		seq := rec.Change.SequenceNumber
		if rec.EventName != string(events.DynamoDBOperationTypeInsert) {
			h.logger.Debug("skipping stream record", slog.String("event_name", rec.EventName), slog.String("sequence_id", seq))
			continue
		}
		item, err := newImage(rec.Change.NewImage)
		if err == nil {
			var msg fanout.Record
			msg.SequenceID = seq
			msg.Message, err = repository.MessageFromItem(item)
			if err == nil {
				records = append(records, msg)
				continue
			}
		}
		// Redelivery cannot repair a malformed image.
		h.logger.Error("skipping undecodable stream record",
			slog.String("sequence_id", seq),
			slog.String("event_id", rec.EventID),
			slog.Any("err", err),
		)
	}

	var resp events.DynamoDBEventResponse
	if len(records) == 0 {
		return resp, nil
	}
	res := h.engine.ProcessBatch(ctx, records)
	if res.FailedSequenceID != "" {
		resp.BatchItemFailures = []events.DynamoDBBatchItemFailure{{ItemIdentifier: res.FailedSequenceID}}
	}
	h.logger.Info("stream batch processed",
		slog.Int("records", len(ev.Records)),
		slog.Int("messages", len(records)),
		slog.Int("processed", res.Processed),
		slog.String("failed_sequence_id", res.FailedSequenceID),
	)
	return resp, nil
}

func newImage(image map[string]events.DynamoDBAttributeValue) (map[string]types.AttributeValue, error) {
	if len(image) == 0 {
		return nil, errors.New("handler: stream record has no new image")
	}
	return attributeMap(image)
}

func attributeMap(image map[string]events.DynamoDBAttributeValue) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		av, err := attributeValue(v)
		if err != nil {
			return nil, fmt.Errorf("handler: attribute %q: %w", k, err)
		}
		out[k] = av
	}
	return out, nil
}

// attributeValue converts the Lambda event representation of a DynamoDB value
// to the SDK's.
func attributeValue(v events.DynamoDBAttributeValue) (types.AttributeValue, error) {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}, nil
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}, nil
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}, nil
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}, nil
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}, nil
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}, nil
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}, nil
	case events.DataTypeList:
		list := v.List()
		out := make([]types.AttributeValue, 0, len(list))
		for _, item := range list {
			av, err := attributeValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, av)
		}
		return &types.AttributeValueMemberL{Value: out}, nil
	case events.DataTypeMap:
		m, err := attributeMap(v.Map())
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	default:
		return nil, fmt.Errorf("unsupported data type %d", v.DataType())
	}
}
