// Package vectorstore implements the named-vector upsert/search/scroll/
// retrieve/delete contract over Qdrant. Grounded on engine/semantic/store.go
// and model.go, generalized from a single unnamed vector per point to one
// named vector "vs<D>" per point and from flat payloads to the nested
// chain/quality payload shape KAIROS stores.
package vectorstore

// Point is a single stored vector record: its id, its named vector, and its
// JSON-serializable payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// SearchHit is one ranked result from a similarity search.
type SearchHit struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Filter expresses a conjunction ("must") of equality conditions over
// payload keys, mirroring Qdrant's Filter.Must shape.
type Filter struct {
	Must []Condition
}

// Condition is a single `key == value` equality match, against either a
// string (Value) or an integer (IntValue) payload field.
type Condition struct {
	Key      string
	Value    string
	IntValue *int64
}

// Eq builds a string equality Condition.
func Eq(key, value string) Condition { return Condition{Key: key, Value: value} }

// EqInt builds an integer equality Condition.
func EqInt(key string, value int64) Condition { return Condition{Key: key, IntValue: &value} }

// SearchParams configures a similarity search call.
type SearchParams struct {
	Vector []float32
	Limit  int
	Filter Filter
}

// ScrollParams configures a paginated scroll call.
type ScrollParams struct {
	Filter      Filter
	Limit       int
	PageOffset  string
	WithPayload bool
}

// ScrollPage is one page of a scroll response.
type ScrollPage struct {
	Points     []Point
	NextOffset string
}
