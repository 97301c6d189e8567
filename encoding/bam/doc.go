// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bam provides helpers that augment the sam and bam packages in
// github.com/grailbio/hts: flag predicates, clipping and unclipped
// position arithmetic, mate cigar (MC) handling, and parsing of
// supplementary alignment (SA) tags.
package bam
