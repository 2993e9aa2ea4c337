package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

type (
	// FlowSummary is one entry of the flow picker.
	FlowSummary struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	// Catalog lists the flows an owner can link to a topic.
	Catalog struct {
		dispatcher *Dispatcher
		endpoint   string
	}
)

var ErrBadCatalog = errors.New("unexpected catalog response")

func NewCatalog(cfg Config, d *Dispatcher) *Catalog {
	return &Catalog{dispatcher: d, endpoint: cfg.CatalogURL}
}

// List fetches the catalog. The service may answer with a bare array or with
// an object carrying the array under "data" or "flows". Entries without an id
// are skipped; a missing name falls back to the id.
func (c *Catalog) List(ctx context.Context) ([]FlowSummary, error) {
	body, err := c.dispatcher.Fetch(ctx, c.endpoint, EventListFlows)
	if err != nil {
		return nil, err
	}
	return parseCatalog(body)
}

func parseCatalog(body []byte) ([]FlowSummary, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrBadCatalog)
	}
	doc := gjson.ParseBytes(body)
	list := doc
	if !doc.IsArray() {
		list = doc.Get("data")
		if !list.Exists() {
			list = doc.Get("flows")
		}
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: no flow list", ErrBadCatalog)
	}

	res := []FlowSummary{}
	list.ForEach(func(_, v gjson.Result) bool {
		id := v.Get("id").String()
		if id == "" {
			return true
		}
		name := v.Get("name").String()
		if name == "" {
			name = id
		}
		res = append(res, FlowSummary{ID: id, Name: name})
		return true
	})
	return res, nil
}
