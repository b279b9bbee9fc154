// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package blob is the artifact store contract: a key-naming convention over
// a generic content store. The blob store has no authority over what is
// "current"; latest-artifact resolution always goes through the task record
// store.
package blob

import (
	"context"
	"errors"
	"io"
)

var ErrNotExist = errors.New("blob: object does not exist")

type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// ObjectStore is a generic get/put/delete by key. No business semantics.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}
