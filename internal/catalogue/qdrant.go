package catalogue

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/example/sketch-match/internal/domain"
	"github.com/example/sketch-match/internal/logging"
)

const (
	payloadPreviewKey  = "preview_image_url"
	payloadMetadataKey = "metadata"
	// tieWindow is how many hits are fetched so equal scores can be ordered by id.
	tieWindow = 8
)

// QdrantStore queries a Qdrant collection created with the Cosine distance.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// NewQdrantStore returns a store for Qdrant's gRPC endpoint. The connection is
// established lazily; call Ping to verify it.
func NewQdrantStore(addr, collection string, logger *zap.Logger) (*QdrantStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		wrapped := logging.NewOperationError("catalogue.dial_qdrant", "", err)
		logger.Error("failed to create qdrant client", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &QdrantStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// Close closes the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	return s.conn.Close()
}

// Nearest searches the collection. Qdrant reports cosine similarity, so the distance
// is 1 - score, which keeps the [0,2] range of pgvector's cosine distance.
func (s *QdrantStore) Nearest(ctx context.Context, vec domain.FeatureVector) (Candidate, error) {
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vec.Float32(),
		Limit:          tieWindow,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return Candidate{}, classifyGRPC(err)
	}
	return nearestHit(resp.GetResult())
}

// Ping checks the collection exists.
func (s *QdrantStore) Ping(ctx context.Context) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return classifyGRPC(err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}
	return &StoreError{Reason: fmt.Sprintf("collection %q not found", s.collection)}
}

func nearestHit(hits []*pb.ScoredPoint) (Candidate, error) {
	if len(hits) == 0 {
		return Candidate{}, domain.ErrNoMatch
	}

	candidates := make([]Candidate, 0, len(hits))
	for _, hit := range hits {
		candidates = append(candidates, hitCandidate(hit))
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Distance != candidates[j].Distance {
			return candidates[i].Distance < candidates[j].Distance
		}
		return idLess(candidates[i].ID, candidates[j].ID)
	})
	return candidates[0], nil
}

func hitCandidate(hit *pb.ScoredPoint) Candidate {
	c := Candidate{
		ID:       pointID(hit.GetId()),
		Distance: 1 - float64(hit.GetScore()),
		Metadata: map[string]any{},
	}

	payload := hit.GetPayload()
	if v, ok := payload[payloadPreviewKey]; ok {
		c.PreviewImageURL = v.GetStringValue()
	}
	if v, ok := payload[payloadMetadataKey]; ok && v.GetStructValue() != nil {
		for k, field := range v.GetStructValue().GetFields() {
			c.Metadata[k] = valueToAny(field)
		}
		return c
	}
	for k, v := range payload {
		if k == payloadPreviewKey {
			continue
		}
		c.Metadata[k] = valueToAny(v)
	}
	return c
}

func pointID(id *pb.PointId) string {
	switch v := id.GetPointIdOptions().(type) {
	case *pb.PointId_Num:
		return strconv.FormatUint(v.Num, 10)
	case *pb.PointId_Uuid:
		return v.Uuid
	default:
		return ""
	}
}

func valueToAny(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_BoolValue:
		return k.BoolValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_StructValue:
		out := make(map[string]any, len(k.StructValue.GetFields()))
		for name, field := range k.StructValue.GetFields() {
			out[name] = valueToAny(field)
		}
		return out
	case *pb.Value_ListValue:
		out := make([]any, 0, len(k.ListValue.GetValues()))
		for _, item := range k.ListValue.GetValues() {
			out = append(out, valueToAny(item))
		}
		return out
	default:
		return nil
	}
}

// idLess orders numeric ids numerically and everything else lexically.
func idLess(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

func classifyGRPC(err error) *StoreError {
	code := status.Code(err)
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return &StoreError{Transient: true, Reason: "qdrant " + code.String(), Err: err}
	default:
		return &StoreError{Reason: "qdrant " + code.String(), Err: err}
	}
}
