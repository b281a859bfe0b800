package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestCompileFilterEquality(t *testing.T) {
	p, err := CompileFilter(bson.D{{Key: "n", Value: int32(2)}})
	require.NoError(t, err)
	assert.Contains(t, p.SQL, "json_extract(doc, '$.n')")
	assert.Equal(t, []any{int32(2)}, p.Params)
}

func TestCompileFilterGT(t *testing.T) {
	p, err := CompileFilter(bson.D{{Key: "n", Value: bson.D{{Key: "$gt", Value: int32(1)}}}})
	require.NoError(t, err)
	assert.Contains(t, p.SQL, "> ?")
	assert.Equal(t, []any{int32(1)}, p.Params)
}

func TestCompileFilterAndOr(t *testing.T) {
	filter := bson.D{
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "a", Value: int32(1)}},
			bson.D{{Key: "b", Value: int32(2)}},
		}},
	}
	p, err := CompileFilter(filter)
	require.NoError(t, err)
	assert.Contains(t, p.SQL, " OR ")
	assert.Len(t, p.Params, 2)
}

func TestCompileFilterEmpty(t *testing.T) {
	p, err := CompileFilter(bson.D{})
	require.NoError(t, err)
	assert.Equal(t, "1=1", p.SQL)
}

func TestCompileFilterIn(t *testing.T) {
	p, err := CompileFilter(bson.D{{Key: "n", Value: bson.D{{Key: "$in", Value: bson.A{int32(1), int32(2)}}}}})
	require.NoError(t, err)
	assert.Contains(t, p.SQL, "IN (?, ?)")
	assert.Equal(t, []any{int32(1), int32(2)}, p.Params)
}

func TestCompileFilterRejectsUnknownOperator(t *testing.T) {
	_, err := CompileFilter(bson.D{{Key: "n", Value: bson.D{{Key: "$bogus", Value: 1}}}})
	require.Error(t, err)
}

func TestValidateCollectionName(t *testing.T) {
	require.NoError(t, ValidateCollectionName("orders"))
	require.Error(t, ValidateCollectionName(""))
	require.Error(t, ValidateCollectionName("$cmd"))
}
