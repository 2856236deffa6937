package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/dbx"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
)

type database struct {
	s    *Store
	name string
}

// current is the stored head of a document, tombstones included.
type current struct {
	rev     string
	deleted bool
}

func (d *database) Name() string { return d.name }

// Close is a no-op: the handle shares the Store's pool.
func (d *database) Close() error { return nil }

func (d *database) Get(ctx context.Context, id string) (*docstore.Document, error) {
	query := d.s.q(`select rev, deleted, data from docs where db_name = ? and id = ?`)

	doc := &docstore.Document{ID: id}
	var data []byte
	err := d.s.db.QueryRowContext(ctx, query, d.name, id).Scan(&doc.Rev, &doc.Deleted, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get doc[%s/%s]: %w", d.name, id, err)
	}
	if doc.Deleted {
		return nil, common.ErrorNotFound
	}
	doc.Data = data

	atts, err := d.attachments(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.Attachments = atts
	return doc, nil
}

func (d *database) Put(ctx context.Context, doc *docstore.Document) (string, error) {
	var rev string
	err := dbx.WithTx(ctx, d.s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		cur, err := d.head(ctx, tx, doc.ID)
		if err != nil {
			return err
		}

		switch {
		case cur == nil:
			if doc.Rev != "" {
				return common.ErrVersionConflict
			}
		case cur.deleted:
			// A tombstone can be overwritten without knowing its revision.
			if doc.Rev != "" && doc.Rev != cur.rev {
				return common.ErrVersionConflict
			}
		default:
			if doc.Rev != cur.rev {
				return common.ErrVersionConflict
			}
		}

		prev := ""
		if cur != nil {
			prev = cur.rev
		}
		next := *doc
		next.Deleted = false
		rev = docstore.NewRev(prev, &next)
		next.Rev = rev

		return d.write(ctx, tx, &next)
	})
	if err != nil {
		if errors.Is(err, common.ErrVersionConflict) {
			return "", err
		}
		return "", fmt.Errorf("failed to put doc[%s/%s]: %w", d.name, doc.ID, err)
	}

	d.s.notify(d.name)
	return rev, nil
}

func (d *database) Delete(ctx context.Context, id, rev string) (string, error) {
	newRev, err := dbx.InTx(ctx, d.s.db, func(ctx context.Context, tx dbx.DBTX) (string, error) {
		cur, err := d.head(ctx, tx, id)
		if err != nil {
			return "", err
		}
		if cur == nil || cur.deleted {
			return "", common.ErrorNotFound
		}
		if cur.rev != rev {
			return "", common.ErrVersionConflict
		}

		tomb := &docstore.Document{ID: id, Deleted: true}
		tomb.Rev = docstore.NewRev(cur.rev, tomb)
		return tomb.Rev, d.write(ctx, tx, tomb)
	})
	if err != nil {
		if errors.Is(err, common.ErrVersionConflict) || errors.Is(err, common.ErrorNotFound) {
			return "", err
		}
		return "", fmt.Errorf("failed to delete doc[%s/%s]: %w", d.name, id, err)
	}

	d.s.notify(d.name)
	return newRev, nil
}

func (d *database) AllDocs(ctx context.Context, prefix string) ([]*docstore.Document, error) {
	query := d.s.q(`select id, rev, data from docs where db_name = ? and deleted = 0`)
	rows, err := d.s.db.QueryContext(ctx, query, d.name)
	if err != nil {
		return nil, fmt.Errorf("failed to list docs[%s]: %w", d.name, err)
	}
	defer rows.Close()

	var result []*docstore.Document
	for rows.Next() {
		doc := &docstore.Document{}
		var data []byte
		if err := rows.Scan(&doc.ID, &doc.Rev, &data); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(doc.ID, prefix) {
			continue
		}
		doc.Data = data
		result = append(result, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Postgres collations do not order by code point.
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (d *database) Changes(ctx context.Context, req docstore.ChangesRequest) (docstore.ChangesResponse, error) {
	since, err := d.resolveSince(ctx, req.Since)
	if err != nil {
		return docstore.ChangesResponse{}, err
	}

	var deadline <-chan time.Time
	if req.Wait > 0 {
		timer := time.NewTimer(req.Wait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		// Grab the waiter before querying so a commit in between is not lost.
		wake := d.s.waiter(d.name)

		resp, err := d.changesSince(ctx, since, req.Limit)
		if err != nil {
			return docstore.ChangesResponse{}, err
		}
		if len(resp.Results) > 0 || deadline == nil {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return docstore.ChangesResponse{}, ctx.Err()
		case <-deadline:
			return resp, nil
		case <-wake:
		case <-time.After(d.s.pollInterval):
		}
	}
}

func (d *database) PutReplicated(ctx context.Context, doc *docstore.Document) (bool, error) {
	if doc.Rev == "" {
		return false, fmt.Errorf("replicated doc[%s/%s] has no revision", d.name, doc.ID)
	}

	written, err := dbx.InTx(ctx, d.s.db, func(ctx context.Context, tx dbx.DBTX) (bool, error) {
		cur, err := d.head(ctx, tx, doc.ID)
		if err != nil {
			return false, err
		}
		if cur != nil && (cur.rev == doc.Rev || !docstore.RevWins(doc.Rev, cur.rev)) {
			return false, nil
		}
		return true, d.write(ctx, tx, doc)
	})
	if err != nil {
		return false, fmt.Errorf("failed to apply replicated doc[%s/%s]: %w", d.name, doc.ID, err)
	}

	if written {
		d.s.notify(d.name)
	}
	return written, nil
}

func (d *database) resolveSince(ctx context.Context, since string) (int64, error) {
	switch since {
	case "", "0":
		return 0, nil
	case docstore.SinceNow:
		var v int64
		err := d.s.db.QueryRowContext(ctx, d.s.q(`select value from seqs where db_name = ?`), d.name).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read sequence[%s]: %w", d.name, err)
		}
		return v, nil
	}

	v, err := strconv.ParseInt(since, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid since cursor %q: %w", since, err)
	}
	return v, nil
}

func (d *database) changesSince(ctx context.Context, since int64, limit int) (docstore.ChangesResponse, error) {
	query := `select id, rev, deleted, data, seq from docs where db_name = ? and seq > ? order by seq`
	args := []any{d.name, since}
	if limit > 0 {
		query += ` limit ?`
		args = append(args, limit)
	}

	rows, err := d.s.db.QueryContext(ctx, d.s.q(query), args...)
	if err != nil {
		return docstore.ChangesResponse{}, fmt.Errorf("failed to read changes[%s]: %w", d.name, err)
	}

	resp := docstore.ChangesResponse{LastSeq: strconv.FormatInt(since, 10)}
	for rows.Next() {
		doc := &docstore.Document{}
		var data []byte
		var seq int64
		if err := rows.Scan(&doc.ID, &doc.Rev, &doc.Deleted, &data, &seq); err != nil {
			rows.Close()
			return docstore.ChangesResponse{}, err
		}
		doc.Data = data
		resp.LastSeq = strconv.FormatInt(seq, 10)
		resp.Results = append(resp.Results, docstore.Change{
			Seq:     resp.LastSeq,
			ID:      doc.ID,
			Rev:     doc.Rev,
			Deleted: doc.Deleted,
			Doc:     doc,
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return docstore.ChangesResponse{}, err
	}
	rows.Close()

	// Attachments are loaded after the cursor is closed; sqlite runs on a
	// single connection.
	for _, ch := range resp.Results {
		if ch.Deleted {
			continue
		}
		atts, err := d.attachments(ctx, ch.ID)
		if err != nil {
			return docstore.ChangesResponse{}, err
		}
		ch.Doc.Attachments = atts
	}
	return resp, nil
}

func (d *database) head(ctx context.Context, tx dbx.DBTX, id string) (*current, error) {
	cur := &current{}
	err := tx.QueryRowContext(ctx, d.s.q(`select rev, deleted from docs where db_name = ? and id = ?`), d.name, id).
		Scan(&cur.rev, &cur.deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (d *database) nextSeq(ctx context.Context, tx dbx.DBTX) (int64, error) {
	query := d.s.q(`insert into seqs (db_name, value) values (?, 1)
		on conflict (db_name) do update set value = seqs.value + 1
		returning value`)

	var v int64
	if err := tx.QueryRowContext(ctx, query, d.name).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to bump sequence: %w", err)
	}
	return v, nil
}

// write stores doc as the new head and replaces its attachments.
func (d *database) write(ctx context.Context, tx dbx.DBTX, doc *docstore.Document) error {
	seq, err := d.nextSeq(ctx, tx)
	if err != nil {
		return err
	}

	deleted := 0
	var data []byte
	if doc.Deleted {
		deleted = 1
	} else {
		data = doc.Data
	}

	query := d.s.q(`insert into docs (db_name, id, rev, deleted, data, seq)
		values (?, ?, ?, ?, ?, ?)
		on conflict (db_name, id) do update set rev = excluded.rev,
			deleted = excluded.deleted,
			data = excluded.data,
			seq = excluded.seq`)
	if _, err := tx.ExecContext(ctx, query, d.name, doc.ID, doc.Rev, deleted, data, seq); err != nil {
		return fmt.Errorf("failed to upsert doc: %w", err)
	}

	if _, err := tx.ExecContext(ctx, d.s.q(`delete from attachments where db_name = ? and doc_id = ?`), d.name, doc.ID); err != nil {
		return fmt.Errorf("failed to clear attachments: %w", err)
	}
	if doc.Deleted {
		return nil
	}

	insert := d.s.q(`insert into attachments (db_name, doc_id, name, content_type, digest, data) values (?, ?, ?, ?, ?, ?)`)
	for name, a := range doc.Attachments {
		digest := a.Digest
		if digest == "" {
			digest = docstore.Digest(a.Data)
		}
		if _, err := tx.ExecContext(ctx, insert, d.name, doc.ID, name, a.ContentType, digest, a.Data); err != nil {
			return fmt.Errorf("failed to insert attachment[%s]: %w", name, err)
		}
	}
	return nil
}

func (d *database) attachments(ctx context.Context, id string) (map[string]docstore.Attachment, error) {
	query := d.s.q(`select name, content_type, digest, data from attachments where db_name = ? and doc_id = ?`)
	rows, err := d.s.db.QueryContext(ctx, query, d.name, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachments[%s/%s]: %w", d.name, id, err)
	}
	defer rows.Close()

	var result map[string]docstore.Attachment
	for rows.Next() {
		var name string
		var a docstore.Attachment
		if err := rows.Scan(&name, &a.ContentType, &a.Digest, &a.Data); err != nil {
			return nil, err
		}
		if result == nil {
			result = make(map[string]docstore.Attachment)
		}
		result[name] = a
	}
	return result, rows.Err()
}
