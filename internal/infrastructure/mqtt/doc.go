// Package mqtt provides the MQTT client used by the object-model publisher.
//
// It wraps eclipse/paho.mqtt.golang with:
//   - Validation of topics, QoS and payload size before publishing
//   - Subscription tracking and restoration after reconnects
//   - A retained online/offline status with a Last Will
//   - Panic recovery around message handlers
//
// # Topic Structure
//
// Topics builds the per-module tree rooted at {prefix}/{module_id}:
//
//	state/{Field}        retained DeviceState fields
//	capabilities/{Name}  retained capability values
//	properties/{Name}    retained property values
//	command/{name}       invocations (subscribed)
//	abort                abort requests (subscribed)
//	ack/{name}           acceptance acknowledgments
//	event/finished       CommandFinished events
//	health               retained health, also the Last Will topic
//
// # Usage
//
//	topics := mqtt.NewTopics(cfg.Module.TopicPrefix, cfg.Module.ID)
//	client, err := mqtt.Connect(cfg.MQTT, topics.Health())
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package mqtt
