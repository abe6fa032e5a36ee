package repository

import (
	"database/sql"
	"encoding/binary"
	"math"

	"github.com/mattn/go-sqlite3"
)

// sqliteDriverName is registered with a ConnectHook that adds the
// pql_vec_distance scalar function the PQL compiler's semantic filters
// rely on (internal/pql's vector-search filters), the same way the
// Python implementation leans on a vec_distance_L2 SQL function provided
// by a loaded extension. go-sqlite3 has no extension-loading story as
// convenient as mattn/go-sqlite3's own RegisterFunc hook, so the function
// is implemented in Go and registered on every new connection instead.
const sqliteDriverName = "sqlite3_panoptikon"

func init() {
	sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("pql_vec_distance", vecDistance, true)
		},
	})
}

// vecDistance computes the distance between two little-endian float32
// vector blobs under the given metric ("cosine" or anything else for
// L2), per spec.md §4.8's "Distance function is chosen per model (L2 or
// cosine)". Mismatched lengths or malformed blobs yield +Inf so they sort
// last rather than erroring out the whole query.
func vecDistance(a, b []byte, metric string) float64 {
	va, ok1 := decodeF32Blob(a)
	vb, ok2 := decodeF32Blob(b)
	if !ok1 || !ok2 || len(va) != len(vb) || len(va) == 0 {
		return math.Inf(1)
	}
	if metric == "cosine" {
		return cosineDistance(va, vb)
	}
	return l2Distance(va, vb)
}

func decodeF32Blob(b []byte) ([]float32, bool) {
	if len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(b[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out, true
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return math.Inf(1)
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// EncodeF32Blob serializes a float32 vector to the little-endian blob
// format stored in the embeddings table, matching how stored vectors
// are produced and how query vectors must be encoded before comparison.
func EncodeF32Blob(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}
