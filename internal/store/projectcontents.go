package store

import (
	"encoding/json"

	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/events"
	"github.com/api-client/net-store/internal/keycodec"
	"github.com/api-client/net-store/internal/kv"
	"github.com/api-client/net-store/internal/patch"
)

// projectImmutablePaths are the JSON Pointer prefixes ApplyPatch refuses to
// touch: identity and the soft-delete flag change through their own
// dedicated operations, never a generic patch.
var projectImmutablePaths = []string{"/key", "/kind", "/_deleted"}

// MediaRevisionKind namespaces contents-document revisions away from the
// owning file's own metadata revisions: both share a fileKey, and the
// revision key carries no separate alt marker, so without this prefix a
// media patch and a metadata patch on the same file would land in the same
// revision stream.
func MediaRevisionKind(kind string) string {
	return "media:" + kind
}

// ProjectDocument is the HTTP project document: requests, environments, and
// folders live in Data. It is stored separately from the owning File's
// metadata and retrieved through the file route with alt=media.
type ProjectDocument struct {
	Key     string          `json:"key"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data,omitempty"`
	Created int64           `json:"created"`
	Updated int64           `json:"updated"`
	Deleted bool            `json:"_deleted,omitempty"`
}

// ProjectContents is the store backing alt=media reads, keyed by the owning
// file's key.
// Access is not re-checked here: callers reach this store only after the
// HTTP layer has already authorized against the owning File via Files.
type ProjectContents struct {
	kv    *kv.Engine
	bus   *events.Bus
	patch *patch.Engine
	bin   *Bin
	rev   *Revisions
}

// NewProjectContents builds a ProjectContents store from deps plus the
// sibling sub-stores it coordinates with.
func NewProjectContents(deps Deps, bin *Bin, rev *Revisions) *ProjectContents {
	return &ProjectContents{kv: deps.KV, bus: deps.Bus, patch: deps.Patch, bin: bin, rev: rev}
}

func (p *ProjectContents) get(key string) (ProjectDocument, bool, error) {
	raw, ok, err := p.kv.Get(NsProjects, key)
	if err != nil {
		return ProjectDocument{}, false, apperr.Wrap(apperr.Internal, "reading project", err)
	}
	if !ok {
		return ProjectDocument{}, false, nil
	}
	var doc ProjectDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ProjectDocument{}, false, apperr.Wrap(apperr.Internal, "decoding project", err)
	}
	return doc, true, nil
}

// Add creates the contents document for key. First-write only: once
// created, every further change flows through ApplyPatch.
func (p *ProjectContents) Add(key, kind string, data json.RawMessage, user string) (ProjectDocument, error) {
	if _, exists, err := p.get(key); err != nil {
		return ProjectDocument{}, err
	} else if exists {
		return ProjectDocument{}, apperr.New(apperr.Conflict, "project contents already exist")
	}

	now := nowMillis()
	doc := ProjectDocument{Key: key, Kind: kind, Data: data, Created: now, Updated: now}
	raw, err := marshal(doc)
	if err != nil {
		return ProjectDocument{}, apperr.Wrap(apperr.Internal, "encoding project", err)
	}
	if err := p.kv.Put(NsProjects, key, raw); err != nil {
		return ProjectDocument{}, apperr.Wrap(apperr.Internal, "persisting project", err)
	}

	p.notify(events.Created, key, kind, nil)
	return doc, nil
}

// Read returns the decoded document bytes for key, or NotFound if it does
// not exist or has been soft-deleted.
func (p *ProjectContents) Read(key string) (ProjectDocument, error) {
	doc, ok, err := p.get(key)
	if err != nil {
		return ProjectDocument{}, err
	}
	if !ok || doc.Deleted {
		return ProjectDocument{}, apperr.New(apperr.NotFound, "project contents not found")
	}
	return doc, nil
}

// Delete marks key's contents deleted and adds a Bin entry keyed
// del~Project~<key>.
func (p *ProjectContents) Delete(key, user string) error {
	doc, ok, err := p.get(key)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.NotFound, "project contents not found")
	}

	doc.Deleted = true
	doc.Updated = nowMillis()
	raw, err := marshal(doc)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encoding project", err)
	}

	binKey, err := keycodec.DeletedKey("Project", key)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "forming bin key", err)
	}
	binEntry := BinEntry{Key: binKey, DeletedTime: doc.Updated, DeletedBy: user}
	binRaw, err := marshal(binEntry)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encoding bin entry", err)
	}

	ops := []kv.Op{
		{Namespace: NsProjects, Key: key, Value: raw},
		{Namespace: NsBin, Key: binKey, Value: binRaw},
	}
	if err := p.kv.Batch(ops); err != nil {
		return apperr.Wrap(apperr.Internal, "persisting delete", err)
	}

	p.notify(events.Deleted, key, doc.Kind, nil)
	return nil
}

// ApplyPatch applies rawPatch to the contents document, rejecting any
// operation that touches an immutable path, and records the reverse patch
// to Revisions. It returns the new Data and the reverse patch.
func (p *ProjectContents) ApplyPatch(key string, rawPatch []byte, user string) (newData, reverse []byte, err error) {
	doc, ok, err := p.get(key)
	if err != nil {
		return nil, nil, err
	}
	if !ok || doc.Deleted {
		return nil, nil, apperr.New(apperr.NotFound, "project contents not found")
	}

	docBytes, err := marshal(doc)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, "encoding project", err)
	}

	newDoc, inv, err := p.patch.Apply(docBytes, rawPatch, projectImmutablePaths)
	if err != nil {
		return nil, nil, err
	}

	var updated ProjectDocument
	if err := json.Unmarshal(newDoc, &updated); err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, "decoding patched project", err)
	}
	updated.Updated = nowMillis()

	raw, err := marshal(updated)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, "encoding project", err)
	}
	if err := p.kv.Put(NsProjects, key, raw); err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, "persisting project", err)
	}

	if err := p.rev.Add(MediaRevisionKind(updated.Kind), key, inv, user, false); err != nil {
		return nil, nil, err
	}

	var forward patch.Patch
	_ = json.Unmarshal(rawPatch, &forward)
	p.notify(events.Patch, key, updated.Kind, forward)

	return updated.Data, inv, nil
}

// notify publishes one event scoped to the alt=media subscription for key,
// the only URL form ProjectContents events are ever delivered on — a
// distinct subscription from the bare file item URL per the notification
// URL matching rules.
func (p *ProjectContents) notify(op events.Operation, key, kind string, data any) {
	p.bus.Notify(
		events.Event{Type: "event", Operation: op, Kind: kind, ID: key, Data: data},
		events.Filter{URL: "/files/" + key + "?alt=media"},
	)
}
