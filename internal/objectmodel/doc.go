// Package objectmodel exposes a Fingerprint module as an MQTT object model.
//
// The model has three kinds of nodes under {prefix}/{module_id}:
//
//   - state/{Field}: the six DeviceState variables, retained, updated by
//     the session through PublishValue.
//   - capabilities/{Name} and properties/{Name}: read-only values,
//     retained, published once at start.
//   - command/{name} and abort: methods. Each invocation is answered on
//     ack/{name} with an accepted or rejected acknowledgment; the outcome
//     follows later on event/finished.
//
// A HealthReporter publishes a retained health document on health, which
// is also the topic of the client's Last Will.
//
// Server implements session.Publisher, session.CommandRegistrar and
// session.Observer, so wiring is:
//
//	om := objectmodel.NewServer(client, objectmodel.Options{Topics: topics})
//	sess, err := session.New(session.Options{
//	    Backend:   backend,
//	    Publisher: om,
//	    Observers: []session.Observer{om},
//	})
//	err = sess.RegisterCommands(om)
//	err = om.RegisterAbortHandler(sess.Abort)
package objectmodel
