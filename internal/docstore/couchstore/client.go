// Package couchstore is a docstore.Database backed by a CouchDB server,
// reached through the kivik client and its couchdb driver.
//
// Requests carry the cluster JWT as a bearer token. Status codes map onto the
// common sentinel errors: 401 and 403 become common.ErrorUnauthorized, 404
// common.ErrorNotFound, 409 and 412 common.ErrVersionConflict. Attachments
// are written inline and fetched one by one on Get.
package couchstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/connection"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/go-kivik/kivik/v4"
	"github.com/go-kivik/kivik/v4/couchdb"
)

const driverName = "couch"

// Database is one CouchDB database.
type Database struct {
	name   string
	client *kivik.Client
	db     *kivik.DB
}

type config struct {
	http *http.Client
}

// Option customises a Database.
type Option func(*config)

// WithHTTPClient replaces the default http.Client. Its transport is wrapped
// to add the bearer token.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) { cfg.http = c }
}

// Open returns a handle to the database described by info. No request is
// made until the first call.
func Open(info connection.Info, opts ...Option) (*Database, error) {
	cfg := config{http: &http.Client{}}
	for _, o := range opts {
		o(&cfg)
	}

	hc := *cfg.http
	hc.Transport = &bearerTransport{token: info.JWTToken, next: hc.Transport}

	client, err := kivik.New(driverName, info.ServerURL(), couchdb.OptionHTTPClient(&hc))
	if err != nil {
		return nil, fmt.Errorf("failed to create couch client[%s]: %w", info.String(), err)
	}
	db := client.DB(info.DBName)
	if err := db.Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to open couch db[%s]: %w", info.String(), err)
	}
	return &Database{name: info.DBName, client: client, db: db}, nil
}

var _ docstore.Database = (*Database)(nil)

func (d *Database) Name() string { return d.name }

func (d *Database) Close() error {
	return d.client.Close()
}

func (d *Database) Get(ctx context.Context, id string) (*docstore.Document, error) {
	var raw json.RawMessage
	if err := d.db.Get(ctx, id).ScanDoc(&raw); err != nil {
		return nil, d.fail("get", id, err)
	}
	doc, err := decodeDoc(raw)
	if err != nil {
		return nil, err
	}

	for name, att := range doc.Attachments {
		if att.Data != nil {
			continue
		}
		data, err := d.attachment(ctx, id, name)
		if err != nil {
			return nil, err
		}
		att.Data = data
		doc.Attachments[name] = att
	}
	return doc, nil
}

func (d *Database) attachment(ctx context.Context, id, name string) ([]byte, error) {
	att, err := d.db.GetAttachment(ctx, id, name)
	if err != nil {
		return nil, d.fail("get attachment of", id+"/"+name, err)
	}
	defer att.Content.Close()

	data, err := io.ReadAll(att.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment[%s/%s/%s]: %w", d.name, id, name, err)
	}
	return data, nil
}

func (d *Database) Put(ctx context.Context, doc *docstore.Document) (string, error) {
	body, err := encodeDoc(&docstore.Document{ID: doc.ID, Rev: doc.Rev, Data: doc.Data, Attachments: doc.Attachments})
	if err != nil {
		return "", err
	}

	rev, err := d.db.Put(ctx, doc.ID, body)
	if err != nil {
		return "", d.fail("put", doc.ID, err)
	}
	return rev, nil
}

func (d *Database) Delete(ctx context.Context, id, rev string) (string, error) {
	newRev, err := d.db.Delete(ctx, id, rev)
	if err != nil {
		return "", d.fail("delete", id, err)
	}
	return newRev, nil
}

func (d *Database) AllDocs(ctx context.Context, prefix string) ([]*docstore.Document, error) {
	params := map[string]any{"include_docs": true}
	if prefix != "" {
		params["startkey"] = prefix
		params["endkey"] = prefix + "\ufff0"
	}

	rows := d.db.AllDocs(ctx, kivik.Params(params))
	defer rows.Close()

	var docs []*docstore.Document
	for rows.Next() {
		var raw json.RawMessage
		if err := rows.ScanDoc(&raw); err != nil {
			return nil, d.fail("list", "_all_docs", err)
		}
		doc, err := decodeDoc(raw)
		if err != nil {
			return nil, err
		}
		doc.Attachments = nil
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, d.fail("list", "_all_docs", err)
	}
	return docs, nil
}

func (d *Database) Changes(ctx context.Context, req docstore.ChangesRequest) (docstore.ChangesResponse, error) {
	since := req.Since
	if since == "" {
		since = "0"
	}
	params := map[string]any{
		"since":        since,
		"include_docs": true,
		"attachments":  true,
		"style":        "main_only",
		"feed":         "normal",
	}
	if req.Limit > 0 {
		params["limit"] = req.Limit
	}
	if req.Wait > 0 {
		params["feed"] = "longpoll"
		params["timeout"] = req.Wait.Milliseconds()
	}

	feed := d.db.Changes(ctx, kivik.Params(params))
	defer feed.Close()

	var out docstore.ChangesResponse
	for feed.Next() {
		ch := docstore.Change{Seq: feed.Seq(), ID: feed.ID(), Deleted: feed.Deleted()}
		if revs := feed.Changes(); len(revs) > 0 {
			ch.Rev = revs[0]
		}

		var raw json.RawMessage
		if err := feed.ScanDoc(&raw); err == nil && len(raw) > 0 && string(raw) != "null" {
			doc, err := decodeDoc(raw)
			if err != nil {
				return docstore.ChangesResponse{}, err
			}
			ch.Doc = doc
		} else {
			ch.Doc = &docstore.Document{ID: ch.ID, Rev: ch.Rev, Deleted: ch.Deleted}
		}
		out.Results = append(out.Results, ch)
	}
	if err := feed.Err(); err != nil {
		return docstore.ChangesResponse{}, d.fail("read", "_changes", err)
	}

	meta, err := feed.Metadata()
	if err != nil {
		return docstore.ChangesResponse{}, d.fail("read", "_changes", err)
	}
	out.LastSeq = meta.LastSeq
	return out, nil
}

// PutReplicated asks the server whether it is missing doc.Rev and, if so,
// stores it with new_edits=false so CouchDB keeps the revision as-is and
// picks the winner itself.
func (d *Database) PutReplicated(ctx context.Context, doc *docstore.Document) (bool, error) {
	if doc.Rev == "" {
		return false, fmt.Errorf("replicated doc[%s/%s] has no revision", d.name, doc.ID)
	}

	missing, err := d.missing(ctx, doc.ID, doc.Rev)
	if err != nil || !missing {
		return false, err
	}

	body, err := encodeDoc(doc)
	if err != nil {
		return false, err
	}
	results, err := d.db.BulkDocs(ctx, []any{body}, kivik.Param("new_edits", false))
	if err != nil {
		return false, d.fail("replicate", doc.ID, err)
	}
	for _, r := range results {
		if r.Error != nil {
			return false, d.fail("replicate", doc.ID, r.Error)
		}
	}
	return true, nil
}

// missing reports whether the server lacks revision rev of id.
func (d *Database) missing(ctx context.Context, id, rev string) (bool, error) {
	rows := d.db.RevsDiff(ctx, map[string][]string{id: {rev}})
	defer rows.Close()

	found := false
	for rows.Next() {
		rowID, err := rows.ID()
		if err != nil {
			return false, d.fail("diff", id, err)
		}
		var diff kivik.RevDiff
		if err := rows.ScanValue(&diff); err != nil {
			return false, d.fail("diff", id, err)
		}
		if rowID == id && len(diff.Missing) > 0 {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return false, d.fail("diff", id, err)
	}
	return found, nil
}

// fail wraps a kivik error with the sentinel matching its HTTP status.
func (d *Database) fail(op, id string, err error) error {
	var kind error
	switch kivik.HTTPStatus(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = common.ErrorUnauthorized
	case http.StatusNotFound:
		kind = common.ErrorNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		kind = common.ErrVersionConflict
	default:
		kind = common.ErrorInternal
	}
	return fmt.Errorf("failed to %s doc[%s/%s]: %w: %w", op, d.name, id, kind, err)
}

// bearerTransport adds the cluster token to every request.
type bearerTransport struct {
	token string
	next  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	if t.token == "" {
		return next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set(common.AuthorizationHeaderName, common.BearerPrefix+t.token)
	return next.RoundTrip(req)
}

// DefaultTimeout bounds requests made by clients built with NewHTTPClient.
// Long-polls add their own wait on top.
const DefaultTimeout = 30 * time.Second

// NewHTTPClient returns a client whose timeout leaves room for a long-poll
// of up to wait.
func NewHTTPClient(wait time.Duration) *http.Client {
	return &http.Client{Timeout: DefaultTimeout + wait}
}
