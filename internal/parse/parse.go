// Package parse implements the Parser port (spec.md §6): turning an
// opaque identity-document payload into a structured description the
// importer can reconcile against the store. XML parsing, as the
// original network publishes, is out of scope here; this parser
// reads the JSON identity-document shape used by the rest of this
// module's fetch/import pipeline.
package parse

import (
	"encoding/json"

	"github.com/trustmesh/trustmesh/internal/wotstore"
	"github.com/trustmesh/trustmesh/internal/wotstore/errs"
)

// TrustEdge is one outgoing trust assertion inside a parsed document.
type TrustEdge struct {
	Trustee string `json:"trustee"`
	Value   int    `json:"value"`
	Comment string `json:"comment"`
}

// Document is the structured result of a successful parse.
type Document struct {
	Edition            int64             `json:"edition"`
	Nickname           *string           `json:"nickname,omitempty"`
	PublishesTrustList bool              `json:"publishesTrustList"`
	Contexts           []string          `json:"contexts"`
	Properties         map[string]string `json:"properties"`
	Trusts             []TrustEdge       `json:"trusts"`
}

// Parser turns a fetched payload into a Document.
type Parser interface {
	Parse(payload []byte) (*Document, error)
}

// JSONParser is the concrete Parser used in production: identity
// documents are small JSON objects carrying the published attributes
// and trust list.
type JSONParser struct{}

// New builds a JSONParser.
func New() *JSONParser { return &JSONParser{} }

var _ Parser = (*JSONParser)(nil)

// wireDocument mirrors Document's JSON shape before validation.
type wireDocument struct {
	Edition            int64             `json:"edition"`
	Nickname           *string           `json:"nickname"`
	PublishesTrustList bool              `json:"publishesTrustList"`
	Contexts           []string          `json:"contexts"`
	Properties         map[string]string `json:"properties"`
	Trusts             []TrustEdge       `json:"trusts"`
}

// Parse decodes payload and validates every field against the
// constraints of spec.md §3, as required of Parser port implementations.
func (p *JSONParser) Parse(payload []byte) (*Document, error) {
	var w wireDocument
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, errs.NewParseFailure("payload", err)
	}
	if w.Edition < 0 {
		return nil, errs.NewParseFailure("payload", errs.NewValidation("edition", "must be non-negative"))
	}
	if w.Nickname != nil {
		if err := wotstore.ValidateNickname(*w.Nickname); err != nil {
			return nil, errs.NewParseFailure("payload", err)
		}
	}
	if err := wotstore.ValidateContexts(w.Contexts); err != nil {
		return nil, errs.NewParseFailure("payload", err)
	}
	if err := wotstore.ValidateProperties(w.Properties); err != nil {
		return nil, errs.NewParseFailure("payload", err)
	}
	for _, te := range w.Trusts {
		if !wotstore.IsValidIdentityID(te.Trustee) {
			return nil, errs.NewParseFailure("payload", errs.NewValidation("trusts.trustee", "malformed identity id"))
		}
		if err := wotstore.ValidateTrustValue(te.Value); err != nil {
			return nil, errs.NewParseFailure("payload", err)
		}
		if err := wotstore.ValidateTrustComment(te.Comment); err != nil {
			return nil, errs.NewParseFailure("payload", err)
		}
	}

	props := w.Properties
	if props == nil {
		props = map[string]string{}
	}
	return &Document{
		Edition:            w.Edition,
		Nickname:           w.Nickname,
		PublishesTrustList: w.PublishesTrustList,
		Contexts:           w.Contexts,
		Properties:         props,
		Trusts:             w.Trusts,
	}, nil
}
