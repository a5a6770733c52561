// Package mockup provides the Mockup backend, a timed software simulation
// of a Fingerprint device.
//
// Each command completes after its simulated duration. The device keeps
// named in-memory fingerprint databases:
//
//   - add_part stores a part, refusing ID or fingerprint duplicates found
//     in any database. A duplicate latches the device in an error state;
//     add_part, trace_part and identify then fail with NotReady until
//     reset_system.
//   - trace_part searches the reference databases, the target and
//     optionally every other database, picks a random matching part and
//     moves it to the target database.
//   - flash lasts the configured lighting time clamped to the lighting
//     capabilities and must not follow the previous flash within
//     MinRecoverTime.
//
// Abort cancels a task whose timer has not fired yet.
package mockup
