// Package harness runs transaction log scenarios as executable tests.
//
// A scenario drives a txlog.Manager over an in-memory Badger store through
// a list of steps, then restarts the manager and replays the log. The
// result holds the final counters and the replay report, which can be
// checked against expectations in the scenario and compared to a golden
// file.
//
// # Scenario Format
//
//	name: recovery_completeness
//	description: "A create followed by a delete in a later version is absent"
//	steps:
//	  - action: append
//	    category: subjects
//	    name: A
//	    op: Create
//	    expression: {uri: "rx://a"}
//	  - action: snapshot
//	  - action: fail_next_commit
//	  - action: reclaim
//	    expect_error: true
//	  - action: restart
//	expect:
//	  metadata: {latest: 2, active: 2, held: 2}
//	  absent:
//	    - {category: subjects, name: A}
//
// # Step Actions
//
//   - append: record an operation for a name in the current version
//   - snapshot: start a new version
//   - lose_reference: mark versions before the current one reclaimable
//   - reclaim: clear reclaimable versions
//   - restart: replace the manager with a new one over the same store
//   - fail_next_commit: make the next store commit fail
//
// After every step the stored counters are checked against the log
// invariants and against the manager's in-memory copy.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/gating.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
