package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Store is the sole owner of all Qdrant operations for one collection. A
// single named vector "vs<D>" is used per point, D being the dimension in
// force at write time.
type Store struct {
	addr       string
	collection string
	dimension  int

	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
}

// New dials Qdrant at addr and binds to collection.
func New(addr, collection string, dimension int) (*Store, error) {
	s := &Store{addr: addr, collection: collection, dimension: dimension}
	if err := s.dial(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithClients builds a Store around already-constructed gRPC clients,
// bypassing dial — the seam tests use to inject fakes.
func NewWithClients(points pb.PointsClient, collections pb.CollectionsClient, collection string, dimension int) *Store {
	return &Store{points: points, collections: collections, collection: collection, dimension: dimension}
}

func (s *Store) dial() error {
	conn, err := grpc.NewClient(s.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("vectorstore: dial %s: %w", s.addr, err)
	}
	s.conn = conn
	s.points = pb.NewPointsClient(conn)
	s.collections = pb.NewCollectionsClient(conn)
	return nil
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// reconnect closes and redials once, the single-retry policy every
// operation below uses on transport failure.
func (s *Store) reconnect() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return s.dial()
}

// vectorName is the named-vector key for a given embedding dimension.
func vectorName(dimension int) string {
	return fmt.Sprintf("vs%d", dimension)
}

// EnsureCollection creates the collection with a named vector of the given
// dimension if it does not already exist.
func (s *Store) EnsureCollection(ctx context.Context, dimension int) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vectorstore: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_ParamsMap{
				ParamsMap: &pb.VectorParamsMap{
					Map: map[string]*pb.VectorParams{
						vectorName(dimension): {
							Size:     uint64(dimension),
							Distance: pb.Distance_Cosine,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: create collection %s: %w", s.collection, err)
	}
	return nil
}

// Ping reports whether Qdrant is reachable via a cheap collection-list
// call, used by the /health endpoint's vector-store reachability check.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.collections.List(ctx, &pb.ListCollectionsRequest{}); err != nil {
		return fmt.Errorf("vectorstore: ping: %w", err)
	}
	return nil
}

// Upsert stores points, idempotent by id. On a transport error it
// reconnects once and retries the whole call; a second failure propagates.
func (s *Store) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	err := s.upsert(ctx, points)
	if err != nil && isTransportErr(err) {
		if rerr := s.reconnect(); rerr == nil {
			return s.upsert(ctx, points)
		}
	}
	return err
}

func (s *Store) upsert(ctx context.Context, points []Point) error {
	pbPoints := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		payload, err := toPayload(p.Payload)
		if err != nil {
			return fmt.Errorf("vectorstore: encode payload for %s: %w", p.ID, err)
		}
		pbPoints[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
			Payload: payload,
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vectors{
					Vectors: &pb.NamedVectors{
						Vectors: map[string]*pb.Vector{
							vectorName(len(p.Vector)): {Data: p.Vector},
						},
					},
				},
			},
		}
	}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         pbPoints,
	})
	if err != nil {
		return fmt.Errorf("vectorstore: upsert %d points: %w", len(points), err)
	}
	return nil
}

// Search performs a k-NN search against the named vector matching the
// query vector's dimension, intersecting filter.Must with the caller's
// conditions.
func (s *Store) Search(ctx context.Context, params SearchParams) ([]SearchHit, error) {
	hits, err := s.search(ctx, params)
	if err != nil && isTransportErr(err) {
		if rerr := s.reconnect(); rerr == nil {
			return s.search(ctx, params)
		}
	}
	return hits, err
}

func (s *Store) search(ctx context.Context, params SearchParams) ([]SearchHit, error) {
	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         params.Vector,
		VectorName:     strPtr(vectorName(len(params.Vector))),
		Limit:          uint64(params.Limit),
		WithPayload:    withPayloadEnabled(),
		Filter:         toFilter(params.Filter),
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}

	hits := make([]SearchHit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		payload, err := fromPayload(r.GetPayload())
		if err != nil {
			return nil, fmt.Errorf("vectorstore: decode payload: %w", err)
		}
		hits[i] = SearchHit{ID: r.GetId().GetUuid(), Score: r.GetScore(), Payload: payload}
	}
	return hits, nil
}

// Scroll pages through points matching filter.
func (s *Store) Scroll(ctx context.Context, params ScrollParams) (ScrollPage, error) {
	page, err := s.scroll(ctx, params)
	if err != nil && isTransportErr(err) {
		if rerr := s.reconnect(); rerr == nil {
			return s.scroll(ctx, params)
		}
	}
	return page, err
}

func (s *Store) scroll(ctx context.Context, params ScrollParams) (ScrollPage, error) {
	req := &pb.ScrollPoints{
		CollectionName: s.collection,
		Filter:         toFilter(params.Filter),
		Limit:          uint32ptr(uint32(params.Limit)),
	}
	if params.WithPayload {
		req.WithPayload = withPayloadEnabled()
	}
	if params.PageOffset != "" {
		req.Offset = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: params.PageOffset}}
	}

	resp, err := s.points.Scroll(ctx, req)
	if err != nil {
		return ScrollPage{}, fmt.Errorf("vectorstore: scroll: %w", err)
	}

	out := ScrollPage{Points: make([]Point, len(resp.GetResult()))}
	for i, r := range resp.GetResult() {
		payload, err := fromPayload(r.GetPayload())
		if err != nil {
			return ScrollPage{}, fmt.Errorf("vectorstore: decode payload: %w", err)
		}
		out.Points[i] = Point{ID: r.GetId().GetUuid(), Payload: payload}
	}
	if off := resp.GetNextPageOffset(); off != nil {
		out.NextOffset = off.GetUuid()
	}
	return out, nil
}

// Retrieve fetches points by id.
func (s *Store) Retrieve(ctx context.Context, ids []string) ([]Point, error) {
	points, err := s.retrieve(ctx, ids)
	if err != nil && isTransportErr(err) {
		if rerr := s.reconnect(); rerr == nil {
			return s.retrieve(ctx, ids)
		}
	}
	return points, err
}

func (s *Store) retrieve(ctx context.Context, ids []string) ([]Point, error) {
	pbIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pbIDs[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
	}
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.collection,
		Ids:            pbIDs,
		WithPayload:    withPayloadEnabled(),
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: retrieve: %w", err)
	}
	out := make([]Point, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		payload, err := fromPayload(r.GetPayload())
		if err != nil {
			return nil, fmt.Errorf("vectorstore: decode payload: %w", err)
		}
		out[i] = Point{ID: r.GetId().GetUuid(), Payload: payload}
	}
	return out, nil
}

// DeleteByFilter deletes every point matching filter.
func (s *Store) DeleteByFilter(ctx context.Context, filter Filter) error {
	err := s.deleteByFilter(ctx, filter)
	if err != nil && isTransportErr(err) {
		if rerr := s.reconnect(); rerr == nil {
			return s.deleteByFilter(ctx, filter)
		}
	}
	return err
}

func (s *Store) deleteByFilter(ctx context.Context, filter Filter) error {
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: toFilter(filter)},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: delete by filter: %w", err)
	}
	return nil
}

// DeleteByIDs deletes points by id.
func (s *Store) DeleteByIDs(ctx context.Context, ids []string) error {
	err := s.deleteByIDs(ctx, ids)
	if err != nil && isTransportErr(err) {
		if rerr := s.reconnect(); rerr == nil {
			return s.deleteByIDs(ctx, ids)
		}
	}
	return err
}

func (s *Store) deleteByIDs(ctx context.Context, ids []string) error {
	pbIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pbIDs[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
	}
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pbIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: delete by ids: %w", err)
	}
	return nil
}

func toFilter(f Filter) *pb.Filter {
	if len(f.Must) == 0 {
		return nil
	}
	must := make([]*pb.Condition, len(f.Must))
	for i, c := range f.Must {
		match := &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: c.Value}}
		if c.IntValue != nil {
			match = &pb.Match{MatchValue: &pb.Match_Integer{Integer: *c.IntValue}}
		}
		must[i] = &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   c.Key,
					Match: match,
				},
			},
		}
	}
	return &pb.Filter{Must: must}
}

func withPayloadEnabled() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
}

func strPtr(s string) *string { return &s }
func uint32ptr(v uint32) *uint32 { return &v }

// toPayload marshals an arbitrary payload map (which may contain nested
// structs like chain/quality_metadata) into Qdrant's Value wire shape by
// round-tripping through JSON, since Qdrant's payload model is itself
// JSON-like (string/int/double/bool/struct/list).
func toPayload(payload map[string]any) (map[string]*pb.Value, error) {
	out := make(map[string]*pb.Value, len(payload))
	for k, v := range payload {
		val, err := toValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = val
	}
	return out, nil
}

func toValue(v any) (*pb.Value, error) {
	switch tv := v.(type) {
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{}}, nil
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}, nil
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}, nil
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}, nil
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}, nil
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}, nil
	case []string:
		list := make([]*pb.Value, len(tv))
		for i, s := range tv {
			list[i] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: list}}}, nil
	default:
		// Nested structs (chain, quality_metadata): round-trip via JSON to a
		// generic map, then encode recursively.
		raw, err := json.Marshal(tv)
		if err != nil {
			return nil, fmt.Errorf("marshal payload value: %w", err)
		}
		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("decode payload value as struct: %w", err)
		}
		fields, err := toPayload(generic)
		if err != nil {
			return nil, err
		}
		return &pb.Value{Kind: &pb.Value_StructValue{StructValue: &pb.Struct{Fields: fields}}}, nil
	}
}

// fromPayload decodes Qdrant's Value wire shape back into a generic map.
func fromPayload(payload map[string]*pb.Value) (map[string]any, error) {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = fromValue(v)
	}
	return out, nil
}

func fromValue(v *pb.Value) any {
	switch kind := v.GetKind().(type) {
	case *pb.Value_NullValue:
		return nil
	case *pb.Value_StringValue:
		return kind.StringValue
	case *pb.Value_BoolValue:
		return kind.BoolValue
	case *pb.Value_IntegerValue:
		return kind.IntegerValue
	case *pb.Value_DoubleValue:
		return kind.DoubleValue
	case *pb.Value_ListValue:
		out := make([]any, len(kind.ListValue.GetValues()))
		for i, item := range kind.ListValue.GetValues() {
			out[i] = fromValue(item)
		}
		return out
	case *pb.Value_StructValue:
		out := make(map[string]any, len(kind.StructValue.GetFields()))
		for k, item := range kind.StructValue.GetFields() {
			out[k] = fromValue(item)
		}
		return out
	default:
		return nil
	}
}

// isTransportErr reports whether err looks like a connection-level failure
// worth a single reconnect+retry, as opposed to an application error
// (not-found, invalid filter, and similar never warrant a reconnect).
func isTransportErr(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return true
	default:
		return false
	}
}
