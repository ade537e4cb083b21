package extract

import (
	"regexp"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaEvaluate(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`
		<div id="card-42" data-kind="auction">
			<span class="name">  First   Name </span>
			<span class="name">Second</span>
			<a class="link" href="/itm/987654321">go</a>
		</div>`))
	require.NoError(t, err)

	schema := Schema{
		Version: "test/v1",
		Fields: []FieldSpec{
			{Name: "name", Required: true, Rules: []Rule{{Selector: ".missing"}, {Selector: ".name"}}},
			{Name: "kind", Rules: []Rule{{Selector: SelectSelf, Attr: "data-kind"}}},
			{Name: "id", Required: true, Rules: []Rule{{Selector: "a.link", Attr: "href", Pattern: regexp.MustCompile(`/itm/(\d+)`)}}},
			{Name: "from_url", Rules: []Rule{{Pattern: regexp.MustCompile(`page=(\d+)`)}}},
			{Name: "self", Rules: []Rule{{Selector: SelectSelf, Attr: "id", Pattern: regexp.MustCompile(`\d+`)}}},
			{Name: "price", Required: true, Rules: []Rule{{Selector: ".price"}}},
			{Name: "optional", Rules: []Rule{{Selector: ".nothing"}}},
		},
	}

	res := schema.Evaluate(doc.Find("div#card-42"), "https://example.com/s?page=3")
	assert.Equal(t, "First Name", res.Get("name"))
	assert.Equal(t, "auction", res.Get("kind"))
	assert.Equal(t, "987654321", res.Get("id"))
	assert.Equal(t, "3", res.Get("from_url"))
	assert.Equal(t, "42", res.Get("self"))
	assert.False(t, res.Has("optional"))
	assert.Equal(t, []string{"price"}, res.Missing)
	assert.False(t, res.OK())

	spec, ok := schema.Field("id")
	require.True(t, ok)
	assert.True(t, spec.Required)
	_, ok = schema.Field("nope")
	assert.False(t, ok)
}
