package store

import (
	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/keycodec"
	"github.com/api-client/net-store/internal/kv"
)

// App is the per-application scratch namespace: small client-local state
// (draft projects, draft requests) that isn't part of the files tree.
type App struct {
	kv *kv.Engine
}

// NewApp builds an App store over kvEngine.
func NewApp(kvEngine *kv.Engine) *App {
	return &App{kv: kvEngine}
}

func (a *App) key(appID, collection, id string) (string, error) {
	return keycodec.Form(appID, collection, id)
}

// Set writes raw bytes under appID/collection/id.
func (a *App) Set(appID, collection, id string, value []byte) error {
	key, err := a.key(appID, collection, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "forming app key", err)
	}
	if err := a.kv.Put(NsApp, key, value); err != nil {
		return apperr.Wrap(apperr.Internal, "persisting app entry", err)
	}
	return nil
}

// Get reads raw bytes for appID/collection/id.
func (a *App) Get(appID, collection, id string) ([]byte, error) {
	key, err := a.key(appID, collection, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "forming app key", err)
	}
	raw, ok, err := a.kv.Get(NsApp, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "reading app entry", err)
	}
	if !ok {
		return nil, apperr.New(apperr.NotFound, "app entry not found")
	}
	return raw, nil
}

// Delete removes appID/collection/id.
func (a *App) Delete(appID, collection, id string) error {
	key, err := a.key(appID, collection, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "forming app key", err)
	}
	if err := a.kv.Delete(NsApp, key); err != nil {
		return apperr.Wrap(apperr.Internal, "deleting app entry", err)
	}
	return nil
}

// List returns every entry for appID/collection.
func (a *App) List(appID, collection string) ([][]byte, error) {
	prefix, err := keycodec.Form(appID, collection, "")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "forming app prefix", err)
	}
	rows, err := a.kv.RangeAsc(NsApp, prefix, prefixEnd(prefix), 0)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "scanning app entries", err)
	}
	out := make([][]byte, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Value)
	}
	return out, nil
}
