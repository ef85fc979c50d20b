package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/hash/sha256"
)

func taskFor(t *testing.T, rawURL string) extract.Task {
	t.Helper()
	tk, err := extract.NewTask("task-1", rawURL, time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	return tk
}

func newNormalizer(t *testing.T, sites ...Site) *Normalizer {
	t.Helper()
	n, err := New(sites, sha256.New())
	require.NoError(t, err)
	return n
}

var listingSite = Site{
	Domain:      "api.grocer.example",
	Format:      "json",
	IDField:     "sku",
	RecordsPath: "data.products",
	Fields: map[string]string{
		"sku":   "id",
		"name":  "title",
		"price": "pricing.current",
		"unit":  "pricing.unit",
	},
	Required:  []string{"price"},
	Constants: map[string]any{"currency": "USD"},
	Headers:   map[string]string{"Accept": "application/json"},
}

const listingPayload = `{"data":{"products":[
 {"id":1001,"title":"  Whole Milk 1gal ","pricing":{"current":4.29,"unit":"gal"}},
 {"id":"B-7","title":"Eggs 12ct","pricing":{"current":3.10,"unit":null}}
]}}`

func TestNormalizeJSONListing(t *testing.T) {
	t.Parallel()

	n := newNormalizer(t, listingSite)
	recs, err := n.Normalize(taskFor(t, "https://api.grocer.example/v1/dairy"), []byte(listingPayload))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	first := recs[0]
	require.Equal(t, "api.grocer.example", first.SourceDomain)
	require.Equal(t, "1001", first.ExternalID)
	require.Equal(t, "https://api.grocer.example/v1/dairy", first.SourceURL)
	require.Equal(t, "Whole Milk 1gal", first.Fields["name"])
	require.Equal(t, json.Number("4.29"), first.Fields["price"])
	require.Equal(t, "USD", first.Fields["currency"])
	require.Len(t, first.VersionHash, 64)

	second := recs[1]
	require.Equal(t, "B-7", second.ExternalID)
	require.NotContains(t, second.Fields, "unit", "null values are treated as absent")
}

func TestNormalizeHashIsStableAcrossFetches(t *testing.T) {
	t.Parallel()

	n := newNormalizer(t, listingSite)
	task := taskFor(t, "https://api.grocer.example/v1/dairy")
	a, err := n.Normalize(task, []byte(listingPayload))
	require.NoError(t, err)
	b, err := n.Normalize(task, []byte(listingPayload))
	require.NoError(t, err)
	require.Equal(t, a[0].VersionHash, b[0].VersionHash)

	changed := `{"data":{"products":[{"id":1001,"title":"Whole Milk 1gal","pricing":{"current":4.49,"unit":"gal"}}]}}`
	c, err := n.Normalize(task, []byte(changed))
	require.NoError(t, err)
	require.NotEqual(t, a[0].VersionHash, c[0].VersionHash)
}

func TestNormalizeKeepsLargeIntegerIDsDistinct(t *testing.T) {
	t.Parallel()

	site := Site{
		Domain:      "api.grocer.example",
		Format:      "json",
		IDField:     "id",
		RecordsPath: "items",
		Fields:      map[string]string{"id": "id"},
	}
	n := newNormalizer(t, site)
	recs, err := n.Normalize(taskFor(t, "https://api.grocer.example/v1/all"),
		[]byte(`{"items":[{"id":9007199254740993},{"id":9007199254740992}]}`))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "9007199254740993", recs[0].ExternalID)
	require.Equal(t, "9007199254740992", recs[1].ExternalID)
	require.NotEqual(t, recs[0].VersionHash, recs[1].VersionHash)
}

func TestNormalizeJSONErrors(t *testing.T) {
	t.Parallel()

	n := newNormalizer(t, listingSite)
	task := taskFor(t, "https://api.grocer.example/v1/dairy")

	for name, payload := range map[string]string{
		"invalid json":      `{"data":`,
		"records not array": `{"data":{"products":{"id":1}}}`,
		"empty listing":     `{"data":{"products":[]}}`,
		"missing required":  `{"data":{"products":[{"id":1,"title":"x"}]}}`,
		"missing id":        `{"data":{"products":[{"title":"x","pricing":{"current":1}}]}}`,
	} {
		_, err := n.Normalize(task, []byte(payload))
		require.ErrorIs(t, err, extract.ErrParse, name)
	}
}

func TestNormalizeHTMLSingleRecord(t *testing.T) {
	t.Parallel()

	site := Site{
		Domain:  "shop.example",
		Format:  "html",
		IDField: "sku",
		Fields: map[string]string{
			"sku":   "[data-sku]@data-sku",
			"name":  "h1.title",
			"price": "jsonld:offers.price",
			"image": "img.hero@src",
		},
		Required: []string{"name", "price"},
	}
	page := `<html><head>
<script type="application/ld+json">{"@type":"BreadcrumbList"}</script>
<script type="application/ld+json">{"@type":"Product","offers":{"price":"2.99"}}</script>
</head><body><div data-sku="SKU-9"><h1 class="title">  Bananas
  per lb </h1><img class="hero" src="/b.jpg"></div></body></html>`

	n := newNormalizer(t, site)
	recs, err := n.Normalize(taskFor(t, "https://shop.example/p/bananas"), []byte(page))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "SKU-9", recs[0].ExternalID)
	require.Equal(t, "Bananas per lb", recs[0].Fields["name"])
	require.Equal(t, "2.99", recs[0].Fields["price"])
	require.Equal(t, "/b.jpg", recs[0].Fields["image"])
}

func TestNormalizeHTMLListing(t *testing.T) {
	t.Parallel()

	site := Site{
		Domain:      "shop.example",
		Format:      "html",
		IDField:     "sku",
		RecordsPath: "li.product",
		Fields: map[string]string{
			"sku":   "@data-sku",
			"name":  ".name",
			"price": ".price",
		},
		Required: []string{"price"},
	}
	page := `<ul>
<li class="product" data-sku="A"><span class="name">Apples</span><span class="price">$1.99</span></li>
<li class="product" data-sku="B"><span class="name">Pears</span><span class="price">$2.49</span></li>
</ul>`

	n := newNormalizer(t, site)
	recs, err := n.Normalize(taskFor(t, "https://shop.example/c/fruit"), []byte(page))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "B", recs[1].ExternalID)
	require.Equal(t, "$2.49", recs[1].Fields["price"])

	_, err = n.Normalize(taskFor(t, "https://shop.example/c/empty"), []byte("<ul></ul>"))
	require.ErrorIs(t, err, extract.ErrParse)
}

func TestNormalizeFallsBackToDefaultSite(t *testing.T) {
	t.Parallel()

	def := Site{
		Domain:  DefaultSite,
		Format:  "json",
		IDField: "id",
		Fields:  map[string]string{"id": "id"},
		Headers: map[string]string{"X-Client": "harvester"},
	}
	n := newNormalizer(t, listingSite, def)

	recs, err := n.Normalize(taskFor(t, "https://unknown.example/x"), []byte(`{"id":"z1"}`))
	require.NoError(t, err)
	require.Equal(t, "z1", recs[0].ExternalID)
	require.Equal(t, "harvester", n.Headers("unknown.example")["X-Client"])
	require.Equal(t, "application/json", n.Headers("API.grocer.example")["Accept"])
	require.Equal(t, map[string]string{"api.grocer.example": "json", DefaultSite: "json"}, n.Formats())
}

func TestNormalizeUnknownDomain(t *testing.T) {
	t.Parallel()

	n := newNormalizer(t, listingSite)
	_, err := n.Normalize(taskFor(t, "https://unknown.example/x"), []byte(`{}`))
	require.ErrorIs(t, err, extract.ErrParse)
	require.Nil(t, n.Headers("unknown.example"))
}

func TestNewRejectsBadSites(t *testing.T) {
	t.Parallel()

	_, err := New([]Site{{Domain: "a.example", Format: "xml", IDField: "id", Fields: map[string]string{"id": "id"}}}, sha256.New())
	require.ErrorContains(t, err, "unsupported format")

	_, err = New([]Site{{Domain: "a.example", IDField: "id"}}, sha256.New())
	require.ErrorContains(t, err, "no mapping")

	dup := Site{Domain: "a.example", IDField: "id", Fields: map[string]string{"id": "#id"}}
	_, err = New([]Site{dup, dup}, sha256.New())
	require.ErrorContains(t, err, "duplicate")

	_, err = New(nil, nil)
	require.Error(t, err)
}
