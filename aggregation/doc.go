// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package aggregation implements the column store that holds a single-cell
// dataset aggregation. An aggregation is a directory (local or s3) with four
// named tables:
//
//	obs           cell attributes, one row per cell, keyed by obs_id
//	var           gene identifiers, keyed by var_id
//	raw_X_normed  sparse (var_id, obs_id, value) cells, total-count normalized
//	raw_X_ranked  sparse (var_id, obs_id, rank) cells
//
// The obs and var tables are TSV files. The two X arrays are sets of
// immutable fragments. A fragment is a zstd recordio file whose cells are
// sorted by (var_id, obs_id) and packed into blocks; the recordio trailer
// holds the block index, so a read of a band of genes seeks only to the blocks
// that can contain them. Each array has a manifest naming the fragments that
// are visible to readers. A fragment that is not in the manifest does not
// exist as far as readers are concerned, so a writer that fails before
// committing leaves the array unchanged.
//
// A cell that is absent from an array has value zero.
package aggregation
