package stage

import (
	"encoding/json"

	"github.com/ndlib/vaultkeep/store"
)

// jsonStore wraps a store.Store, serializing values as JSON instead of
// dealing in raw streams. Ported from fragment.JSONStore.
type jsonStore struct {
	store.Store
}

func newJSONStore(s store.Store) jsonStore {
	return jsonStore{s}
}

func (js jsonStore) Open(key string, value interface{}) error {
	r, _, err := js.Store.Open(key)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(store.NewReader(r))
	err = dec.Decode(value)
	err2 := r.Close()
	if err == nil {
		err = err2
	}
	return err
}

func (js jsonStore) Save(key string, value interface{}) error {
	_ = js.Delete(key)
	w, err := js.Store.Create(key)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	err = enc.Encode(value)
	err2 := w.Close()
	if err == nil {
		err = err2
	}
	return err
}
