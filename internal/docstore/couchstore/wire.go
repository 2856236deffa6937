package couchstore

import (
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
)

type wireAttachment struct {
	ContentType string `json:"content_type"`
	Digest      string `json:"digest,omitempty"`
	Data        []byte `json:"data,omitempty"`
	Stub        bool   `json:"stub,omitempty"`
}

// encodeDoc renders doc as a CouchDB body with the reserved members inlined.
func encodeDoc(doc *docstore.Document) (json.RawMessage, error) {
	body := map[string]json.RawMessage{}
	if len(doc.Data) > 0 && !doc.Deleted {
		if err := json.Unmarshal(doc.Data, &body); err != nil {
			return nil, fmt.Errorf("doc[%s] body is not an object: %w", doc.ID, err)
		}
	}

	for k := range body {
		if len(k) > 0 && k[0] == '_' {
			delete(body, k)
		}
	}

	put := func(k string, v any) {
		b, _ := json.Marshal(v)
		body[k] = b
	}
	put("_id", doc.ID)
	if doc.Rev != "" {
		put("_rev", doc.Rev)
	}
	if doc.Deleted {
		put("_deleted", true)
	}
	if len(doc.Attachments) > 0 && !doc.Deleted {
		atts := make(map[string]wireAttachment, len(doc.Attachments))
		for name, a := range doc.Attachments {
			atts[name] = wireAttachment{ContentType: a.ContentType, Data: a.Data}
		}
		put("_attachments", atts)
	}

	return json.Marshal(body)
}

// decodeDoc splits a CouchDB body into a Document. Attachment stubs keep a
// nil Data.
func decodeDoc(raw []byte) (*docstore.Document, error) {
	body := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("failed to decode couch doc: %w", err)
	}

	doc := &docstore.Document{}
	if v, ok := body["_id"]; ok {
		_ = json.Unmarshal(v, &doc.ID)
	}
	if v, ok := body["_rev"]; ok {
		_ = json.Unmarshal(v, &doc.Rev)
	}
	if v, ok := body["_deleted"]; ok {
		_ = json.Unmarshal(v, &doc.Deleted)
	}
	if v, ok := body["_attachments"]; ok {
		var atts map[string]wireAttachment
		if err := json.Unmarshal(v, &atts); err != nil {
			return nil, fmt.Errorf("failed to decode attachments of doc[%s]: %w", doc.ID, err)
		}
		for name, a := range atts {
			if doc.Attachments == nil {
				doc.Attachments = make(map[string]docstore.Attachment, len(atts))
			}
			doc.Attachments[name] = docstore.Attachment{ContentType: a.ContentType, Digest: a.Digest, Data: a.Data}
		}
	}

	for k := range body {
		if len(k) > 0 && k[0] == '_' {
			delete(body, k)
		}
	}
	if !doc.Deleted {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		doc.Data = data
	}
	return doc, nil
}
