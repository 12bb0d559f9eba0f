// Package kafka implements the event bus on Kafka with acks from all
// in-sync replicas. Events share one topic; subscriptions filter on the
// event_type header in per-type consumer groups.
package kafka
