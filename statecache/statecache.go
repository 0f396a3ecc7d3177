// Copyright 2020 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package statecache keeps a small local LMDB-backed cache of the last
// successfully decoded update environment, so "rupdate state --cached"
// can report it without re-reading and re-verifying the raw storage
// region (useful when that region is slow media, or simply to avoid
// disturbing it from a read-only diagnostic path).
package statecache

import (
	"bytes"
	"path"

	"github.com/bmatsuo/lmdb-go/lmdb"

	"github.com/northerntech/rupdate/checksum"
	"github.com/northerntech/rupdate/envfs"
	"github.com/northerntech/rupdate/rerr"
)

const (
	dbName = "rupdate-cache"
	dbKey  = "last-update-state"

	// cacheAlgo protects the cached blob itself; it has no bearing on
	// which algorithm a device's own slots use.
	cacheAlgo = checksum.Sha256
)

// Cache is an opaque on-disk cache of the last-read UpdateState.
type Cache struct {
	env *lmdb.Env
}

// Open opens (creating if necessary) the cache file under dirpath.
func Open(dirpath string) (*Cache, error) {
	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, rerr.Wrap(rerr.KindGeneric, err, "statecache: creating LMDB environment")
	}
	if err := env.Open(path.Join(dirpath, dbName), lmdb.NoSubdir, 0600); err != nil {
		return nil, rerr.Wrap(rerr.KindGeneric, err, "statecache: opening LMDB environment")
	}
	return &Cache{env: env}, nil
}

// Close releases the cache's resources.
func (c *Cache) Close() error {
	if c.env == nil {
		return nil
	}
	if err := c.env.Close(); err != nil {
		return rerr.Wrap(rerr.KindGeneric, err, "statecache: closing")
	}
	c.env = nil
	return nil
}

// Put records st as the last-read state.
func (c *Cache) Put(st envfs.UpdateState) error {
	var buf bytes.Buffer
	if err := envfs.EncodeState(&buf, st, cacheAlgo); err != nil {
		return err
	}

	err := c.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		return txn.Put(dbi, []byte(dbKey), buf.Bytes(), 0)
	})
	if err != nil {
		return rerr.Wrap(rerr.KindGeneric, err, "statecache: writing cached state")
	}
	return nil
}

// Get returns the last state recorded with Put. It returns
// rerr.ErrNotFound (KindGeneric) if nothing has been cached yet.
func (c *Cache) Get() (envfs.UpdateState, error) {
	var data []byte
	err := c.env.View(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		v, err := txn.Get(dbi, []byte(dbKey))
		if err != nil {
			return err
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		if lmdb.IsNotFound(err) {
			return envfs.UpdateState{}, rerr.Wrap(rerr.KindGeneric, rerr.ErrNotFound, "statecache: no cached state yet")
		}
		return envfs.UpdateState{}, rerr.Wrap(rerr.KindGeneric, err, "statecache: reading cached state")
	}
	return envfs.DecodeState(bytes.NewReader(data))
}
