// Copyright 2018-2022 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package blobstore implements the reference-counted storage lifecycle
// (C5): soft delete, recursive folder delete, bulk copy/move, and
// quarantine of infected blobs.
package blobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencloud-eu/filestorage/pkg/appctx"
	"github.com/opencloud-eu/filestorage/pkg/errtypes"
	"github.com/opencloud-eu/filestorage/pkg/model"
	"github.com/opencloud-eu/filestorage/pkg/objectstore"
	"github.com/opencloud-eu/filestorage/pkg/store"
)

// Lifecycle owns every operation that can change a blob's ref_count or
// remove a UserFile, keeping the two invariants (ref_count bookkeeping,
// soft-delete semantics) in one place.
type Lifecycle struct {
	blobs     *store.Blobs
	userFiles *store.UserFiles
	shares    *store.Shares
	objects   objectstore.Store

	owners KeyedMutex
}

// New builds a Lifecycle over an already-migrated Store and object
// store backend.
func New(s *store.Store, objects objectstore.Store) *Lifecycle {
	return &Lifecycle{
		blobs:     s.Blobs(),
		userFiles: s.UserFiles(),
		shares:    s.Shares(),
		objects:   objects,
	}
}

// ListChildren returns the live direct children of parentID (nil for
// an owner's root), the read side of C5's folder tree that the delete/
// copy/move operations below mutate.
func (l *Lifecycle) ListChildren(ctx context.Context, ownerID string, parentID *string) ([]model.UserFile, error) {
	return l.userFiles.ListLiveChildren(ctx, ownerID, parentID)
}

// LockOwner serializes folder-wide and bulk operations per owner, so
// two concurrent recursive operations never race on the same subtree.
func (l *Lifecycle) LockOwner(ownerID string) func() {
	return l.owners.Lock(ownerID)
}

// DecrementRef is the only path that ever lowers a blob's ref_count; when
// the count reaches zero it deletes the object from the backing store
// and the row, logging but not failing on an object-store error so a
// missing object never blocks the database side of the cleanup.
func (l *Lifecycle) DecrementRef(ctx context.Context, blobID string) (deleted bool, err error) {
	_, objectKey, deleted, err := l.blobs.DecrementRef(ctx, blobID)
	if err != nil {
		return false, err
	}
	if deleted {
		if derr := l.objects.Delete(ctx, objectKey); derr != nil {
			appctx.GetLogger(ctx).Warn().Err(derr).Str("object_key", objectKey).Msg("orphaned object after ref-count GC")
		}
	}
	return deleted, nil
}

// SoftDeleteUserFile tombstones a single UserFile: clears its favorite
// flag, deletes every live share referencing it, and decrements its
// blob's ref-count if it has one.
func (l *Lifecycle) SoftDeleteUserFile(ctx context.Context, f model.UserFile, now time.Time) error {
	if err := l.shares.DeleteForFile(ctx, f.ID); err != nil {
		return err
	}
	if err := l.userFiles.SoftDelete(ctx, f.ID, now); err != nil {
		return err
	}
	if f.BlobID != nil {
		if _, err := l.DecrementRef(ctx, *f.BlobID); err != nil {
			return err
		}
	}
	return nil
}

// folderFrame is one entry of RecursiveFolderDelete's explicit stack. A
// frame is visited twice: once to enqueue its children, once (after
// every child frame has been popped) to soft-delete the folder itself.
type folderFrame struct {
	node    model.UserFile
	visited bool
}

// RecursiveFolderDelete soft-deletes a folder and everything under it,
// depth-first post-order (children before parent), and returns the
// number of UserFile rows it touched (folder included). The walk uses a
// slice-backed explicit stack rather than Go call-stack recursion, so
// its depth is bounded by heap, not goroutine stack size. Each leaf's
// soft delete is itself atomic (DecrementRef runs in its own
// transaction); the walk as a whole is made safe for concurrent
// retries by the caller holding the owner's KeyedMutex, not by a
// single spanning transaction.
func (l *Lifecycle) RecursiveFolderDelete(ctx context.Context, folder model.UserFile, now time.Time) (int, error) {
	if !folder.IsFolder {
		if err := l.SoftDeleteUserFile(ctx, folder, now); err != nil {
			return 0, err
		}
		return 1, nil
	}

	count := 0
	stack := []*folderFrame{{node: folder}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if !top.visited {
			top.visited = true
			children, err := l.userFiles.ListLiveChildren(ctx, top.node.OwnerID, &top.node.ID)
			if err != nil {
				return count, err
			}
			for _, child := range children {
				if child.IsFolder {
					stack = append(stack, &folderFrame{node: child})
					continue
				}
				if err := l.SoftDeleteUserFile(ctx, child, now); err != nil {
					return count, err
				}
				count++
			}
			continue
		}

		if err := l.SoftDeleteUserFile(ctx, top.node, now); err != nil {
			return count, err
		}
		count++
		stack = stack[:len(stack)-1]
	}
	return count, nil
}

// BulkDelete verifies ownership and liveness of every id, then runs the
// recursive soft-delete on each, returning the total number of rows
// removed.
func (l *Lifecycle) BulkDelete(ctx context.Context, ownerID string, ids []string, now time.Time) (int, error) {
	unlock := l.LockOwner(ownerID)
	defer unlock()

	total := 0
	for _, id := range ids {
		f, err := l.userFiles.GetByID(ctx, id)
		if err != nil {
			return total, err
		}
		if f.OwnerID != ownerID {
			return total, errtypes.PermissionDenied("not the owner of " + id)
		}
		if !f.Live() {
			continue
		}
		n, err := l.RecursiveFolderDelete(ctx, f, now)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Quarantine hard-deletes an infected blob: the object, every live
// UserFile row referencing it together with its shares (unrecoverable,
// not soft-deleted), and the blob row itself. Rows that were already
// soft-deleted and still reference the blob are left in place.
func (l *Lifecycle) Quarantine(ctx context.Context, blobID string) error {
	blob, err := l.blobs.GetByID(ctx, blobID)
	if err != nil {
		return err
	}

	files, err := l.userFiles.ListLiveByBlobID(ctx, blobID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := l.shares.DeleteForFile(ctx, f.ID); err != nil {
			return err
		}
		if err := l.userFiles.Delete(ctx, f.ID); err != nil {
			return err
		}
	}

	if err := l.objects.Delete(ctx, blob.ObjectKey); err != nil {
		appctx.GetLogger(ctx).Warn().Err(err).Str("object_key", blob.ObjectKey).Msg("quarantine: object delete failed")
	}
	return l.blobs.Delete(ctx, blobID)
}

// BulkCopy duplicates a subtree under targetParentID. Top-level items are
// suffixed " - Copy"; descendants keep their names. Files bump their
// blob's ref_count instead of copying bytes. Refuses to copy a folder
// into itself or one of its own descendants.
func (l *Lifecycle) BulkCopy(ctx context.Context, ownerID string, ids []string, targetParentID *string, now time.Time) ([]model.UserFile, error) {
	unlock := l.LockOwner(ownerID)
	defer unlock()

	var out []model.UserFile
	for _, id := range ids {
		src, err := l.userFiles.GetByID(ctx, id)
		if err != nil {
			return out, err
		}
		if src.OwnerID != ownerID || !src.Live() {
			return out, errtypes.PermissionDenied("not the owner of " + id)
		}
		if src.IsFolder && targetParentID != nil {
			if cyclic, err := l.isDescendant(ctx, src.ID, *targetParentID); err != nil {
				return out, err
			} else if cyclic || *targetParentID == src.ID {
				return out, errtypes.BadRequest("cannot copy a folder into itself")
			}
		}
		copied, err := l.copyTree(ctx, src, targetParentID, true, now)
		if err != nil {
			return out, err
		}
		out = append(out, copied)
	}
	return out, nil
}

// copyTree copies src (and, if it's a folder, everything under it) to
// targetParentID. The tree is walked pre-order (a node is inserted
// before its children) with a slice-backed explicit stack rather than
// Go call-stack recursion, so depth is bounded by heap, not goroutine
// stack size.
func (l *Lifecycle) copyTree(ctx context.Context, src model.UserFile, targetParentID *string, topLevel bool, now time.Time) (model.UserFile, error) {
	root, err := l.copyNode(ctx, src, targetParentID, topLevel, now)
	if err != nil {
		return model.UserFile{}, err
	}
	if !src.IsFolder {
		return root, nil
	}

	type pending struct {
		src      model.UserFile
		parentID string
	}
	stack := []pending{{src: src, parentID: root.ID}}
	for len(stack) > 0 {
		job := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := l.userFiles.ListLiveChildren(ctx, job.src.OwnerID, &job.src.ID)
		if err != nil {
			return model.UserFile{}, err
		}
		for _, child := range children {
			parentID := job.parentID
			dst, err := l.copyNode(ctx, child, &parentID, false, now)
			if err != nil {
				return model.UserFile{}, err
			}
			if child.IsFolder {
				stack = append(stack, pending{src: child, parentID: dst.ID})
			}
		}
	}

	return root, nil
}

// copyNode inserts a single copied UserFile row, bumping its blob's
// ref_count instead of copying bytes.
func (l *Lifecycle) copyNode(ctx context.Context, src model.UserFile, targetParentID *string, topLevel bool, now time.Time) (model.UserFile, error) {
	name := src.Filename
	if topLevel {
		name = name + " - Copy"
	}

	dst := model.UserFile{
		ID:        uuid.NewString(),
		OwnerID:   src.OwnerID,
		Filename:  name,
		ParentID:  targetParentID,
		IsFolder:  src.IsFolder,
		CreatedAt: now,
	}

	if !src.IsFolder && src.BlobID != nil {
		if err := l.blobs.IncrementRef(ctx, *src.BlobID); err != nil {
			return model.UserFile{}, err
		}
		dst.BlobID = src.BlobID
	}

	if err := l.userFiles.Insert(ctx, dst); err != nil {
		return model.UserFile{}, err
	}
	return dst, nil
}

// BulkMove reparents items in place after verifying ownership and
// refusing a move into the item itself or one of its own descendants.
func (l *Lifecycle) BulkMove(ctx context.Context, ownerID string, ids []string, targetParentID *string) error {
	unlock := l.LockOwner(ownerID)
	defer unlock()

	for _, id := range ids {
		f, err := l.userFiles.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if f.OwnerID != ownerID || !f.Live() {
			return errtypes.PermissionDenied("not the owner of " + id)
		}
		if targetParentID != nil {
			if *targetParentID == f.ID {
				return errtypes.BadRequest("cannot move an item into itself")
			}
			if f.IsFolder {
				if cyclic, err := l.isDescendant(ctx, f.ID, *targetParentID); err != nil {
					return err
				} else if cyclic {
					return errtypes.BadRequest("cannot move a folder into its own descendant")
				}
			}
		}
		f.ParentID = targetParentID
		if err := l.userFiles.Update(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// isDescendant walks up from candidateID toward the root, reporting
// whether ancestorID is found along the way.
func (l *Lifecycle) isDescendant(ctx context.Context, ancestorID, candidateID string) (bool, error) {
	id := candidateID
	for i := 0; i < 1<<20; i++ { // bounded walk, guards against a corrupt cycle
		f, err := l.userFiles.GetByID(ctx, id)
		if err != nil {
			return false, err
		}
		if f.ParentID == nil {
			return false, nil
		}
		if *f.ParentID == ancestorID {
			return true, nil
		}
		id = *f.ParentID
	}
	return false, fmt.Errorf("blobstore: folder ancestry walk exceeded bound for %s", candidateID)
}
