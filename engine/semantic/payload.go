package semantic

import (
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
)

// Payload keys reserved by the store itself. The external document id lives
// in the payload because qdrant point ids must be UUIDs.
const (
	payloadDocID = "doc_id"
	payloadText  = "text"
)

// toPayload converts document text and metadata into a qdrant payload.
func toPayload(docID, text string, metadata map[string]any) map[string]*pb.Value {
	payload := make(map[string]*pb.Value, len(metadata)+2)
	payload[payloadDocID] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: docID}}
	payload[payloadText] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: text}}
	for k, v := range metadata {
		payload[k] = toValue(v)
	}
	return payload
}

func toValue(v any) *pb.Value {
	switch tv := v.(type) {
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{}}
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int32:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float32:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: float64(tv)}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

// fromPayload splits a qdrant payload back into (docID, text, metadata).
func fromPayload(payload map[string]*pb.Value) (string, string, map[string]any) {
	var docID, text string
	metadata := make(map[string]any, len(payload))
	for k, v := range payload {
		switch k {
		case payloadDocID:
			docID = v.GetStringValue()
		case payloadText:
			text = v.GetStringValue()
		default:
			metadata[k] = fromValue(v)
		}
	}
	return docID, text, metadata
}

func fromValue(v *pb.Value) any {
	switch kind := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return kind.StringValue
	case *pb.Value_IntegerValue:
		return kind.IntegerValue
	case *pb.Value_DoubleValue:
		return kind.DoubleValue
	case *pb.Value_BoolValue:
		return kind.BoolValue
	case *pb.Value_NullValue:
		return nil
	default:
		return v.String()
	}
}

// equalityFilter builds a qdrant must-filter from an equality map. A nil or
// empty map yields a nil filter.
func equalityFilter(filters map[string]string) *pb.Filter {
	if len(filters) == 0 {
		return nil
	}
	must := make([]*pb.Condition, 0, len(filters))
	for k, v := range filters {
		must = append(must, fieldMatch(k, v))
	}
	return &pb.Filter{Must: must}
}

// docIDFilter builds a should-filter matching any of the given external ids.
func docIDFilter(ids []string) *pb.Filter {
	should := make([]*pb.Condition, 0, len(ids))
	for _, id := range ids {
		should = append(should, fieldMatch(payloadDocID, id))
	}
	return &pb.Filter{Should: should}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
