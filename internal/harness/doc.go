// Package harness runs multi-peer convergence scenarios against real
// engines, stores, and sync sessions, entirely in memory.
//
// # Scenario Format
//
// Scenarios are defined in YAML files:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	workspace: ws-demo
//	peers:
//	  - alice
//	  - bob
//	script:
//	  - author:
//	      peer: alice
//	      ops:
//	        - kind: create_entity
//	          entity: card-1
//	        - kind: set_field
//	          entity: card-1
//	          field: title
//	          value: "draft"
//	  - sync: [alice, bob]
//	  - resolve:
//	      peer: alice
//	      entity: card-1
//	      field: title
//	      choose: bob
//	assertions:
//	  - type: converged
//	  - type: field_value
//	    entity: card-1
//	    field: title
//	    value: "draft"
//
// # Assertion Types
//
//   - converged: every peer holds the identical canonical log and
//     derives the identical state
//   - entity_live: an entity is (or is not) live on a peer
//   - field_value: a field renders an expected value
//   - edge_order: the live edges of (from, rel) appear in an exact order
//   - conflict_count: a peer has exactly N conflicts in a given status
//
// An assertion without a peer is checked against every peer.
//
// # Determinism
//
// Every run uses seeded actor keypairs, per-peer sequential ID
// generators, and one shared stepping time source across all peers, so
// the same scenario always produces the same structural snapshot. The
// snapshots deliberately contain no timestamps or hashes: everything in
// a golden file is derivable from the scenario by hand.
package harness
