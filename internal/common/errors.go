// Copyright 2025 RecallSync Authors
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

package common

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrExists          = errors.New("already exists")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidDigest   = errors.New("invalid digest")
	ErrMissingBlobMeta = errors.New("blob metadata missing for digest")
	ErrScanAborted     = errors.New("scan aborted")
	ErrManualReview    = errors.New("manual review required")
	ErrLocked          = errors.New("catalog is locked by another process")
	ErrStopped         = errors.New("worker is stopped")
)
