/*Package markduplicates groups duplicate fragments in a coordinate
  sorted .bam file, and either collapses each group into consensus reads
  or marks all but one member of the group as duplicates.

  Fragments and keys:

  A fragment is one template: its primary reads (one for single ended
  or mate-unmapped reads, two for mapped pairs) plus any supplementary
  alignments of those reads.  Two fragments are duplicates if their
  FragmentCoordinates are equal.  For a mapped pair the coordinates are

    (left ref, left unclipped 5', right ref, right unclipped 5', orientation)

  where left is the end with the smaller (ref, unclipped 5' position,
  strand).  Both reads of a pair compute the same key, the first one
  using the mate's position and its MC tag.  A single ended fragment
  uses its own end and -1 for the right end, so it is never a
  duplicate of a pair.

    P1: left(chr1, 1020, F) right(chr1, 1040, R)
    P2: left(chr1, 1020, F)

    P1 is not a duplicate of P2.

  Secondary and unmapped reads take no part in grouping, and are
  written unmodified.

  Partitions:

  Each reference is divided into partitions of partition-size bases.  A
  fragment lives in the partition of its home position, the leftmost of
  the primary alignments of its reads.  Supplementary reads find their
  home through their SA tag, so all reads of a template meet in one
  PartitionData, even when they are read by workers of different
  references.

  Workers:

  One worker per reference reads its records in coordinate order and
  advances the reference's watermark.  A duplicate group closes once the
  watermark of its left reference is more than clip-padding bases past
  its left position; clip-padding must exceed the largest 5' clip
  distance in the input.

           partition1               partition2
   |---------------------|-------------------------|
                      |cccc|--------------|         read1 (with clipping)
                      5    S              E         5', Begin, End

                      |c|-----------------|         read2 (with clipping)
                      5 S                 E         5', Begin, End

  read1 and read2 are duplicates: their group stays open until the
  reader has passed 5' + clip-padding.  A closed group is finalized
  once every fragment in it is complete, meaning its primaries and one
  supplementary read per SA entry have arrived, or once every reference
  its reads may live on has been read in full.  Groups still in the
  store when all workers are done are finalized with the reads they
  have.

  Finalizing:

  When UMIs are used, a group is split into subgroups of fragments whose
  UMIs (the last ':' field of the read name) are within
  umi-edit-distance substitutions.  Each subgroup of more than one
  fragment is either

  - collapsed: one consensus read is formed per end from the primary
    reads, and the original primaries are flagged 1024 (or removed with
    remove-dups), or
  - marked: the fragment with the highest sum of base qualities >= 15
    is kept, ties broken by name, and the primaries of the others are
    flagged 1024.

  Supplementary reads are always written unflagged.  Every record
  written for a subgroup of n > 1 fragments carries DS:i:n.

  Output ordering:

  Records are written as groups are finalized, so the output is not
  sorted.  Downstream tools must sort it.
*/
package markduplicates
