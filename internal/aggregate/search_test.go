package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestCompileSearchSpecText(t *testing.T) {
	spec, err := CompileSearchSpec(bson.D{
		{Key: "text", Value: bson.D{{Key: "query", Value: "mongo db"}, {Key: "path", Value: "title"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "title:mongo title:db", spec.MatchExpr)
}

func TestCompileSearchSpecEscapesMetacharacters(t *testing.T) {
	spec, err := CompileSearchSpec(bson.D{
		{Key: "text", Value: bson.D{{Key: "query", Value: `a&b|c`}}},
	})
	require.NoError(t, err)
	assert.Equal(t, `a\&b\|c`, spec.MatchExpr)
}

func TestCompileSearchSpecCompoundAnd(t *testing.T) {
	spec, err := CompileSearchSpec(bson.D{
		{Key: "compound", Value: bson.D{
			{Key: "must", Value: bson.A{
				bson.D{{Key: "text", Value: bson.D{{Key: "query", Value: "mongo"}, {Key: "path", Value: "title"}}}},
				bson.D{{Key: "text", Value: bson.D{{Key: "query", Value: "db"}, {Key: "path", Value: "body"}}}},
			}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "(title:mongo AND body:db)", spec.MatchExpr)
}

func TestCompileSearchSpecWildcard(t *testing.T) {
	spec, err := CompileSearchSpec(bson.D{
		{Key: "wildcard", Value: bson.D{{Key: "query", Value: "data*"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "data*", spec.MatchExpr)
}

func TestCompileSearchSpecPhrase(t *testing.T) {
	spec, err := CompileSearchSpec(bson.D{
		{Key: "phrase", Value: bson.D{{Key: "query", Value: "hello world"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, `"hello world"`, spec.MatchExpr)
}

func TestCompileSearchSpecAutocompleteSequentialDegrades(t *testing.T) {
	ordered, err := CompileSearchSpec(bson.D{
		{Key: "autocomplete", Value: bson.D{{Key: "query", Value: "new yo"}, {Key: "tokenOrder", Value: "sequential"}}},
	})
	require.NoError(t, err)
	unordered, err := CompileSearchSpec(bson.D{
		{Key: "autocomplete", Value: bson.D{{Key: "query", Value: "new yo"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, unordered.MatchExpr, ordered.MatchExpr)
	assert.Equal(t, "new* yo*", ordered.MatchExpr)
}
