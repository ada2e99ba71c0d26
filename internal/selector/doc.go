// Package selector implements the grab loop: it walks each configured search
// spec's candidate stream, applies the fine filters the source cannot (ledger
// and library dedup, format dominance), picks a cost through the budget
// oracle, and commits selections atomically before handing the torrent to the
// client.
//
// An "unsat" deny ends the spec's tick; wedge and ratio denies skip only the
// candidate. Specs are independent: one spec's failure never aborts another.
package selector
