/*
Package events provides an in-memory pub/sub broker for ClusterEvent
notifications.

pkg/node's Node.watchLeadership publishes EventPrimaryElected when a
group's RAFT instance becomes leader for its partition and
EventPrimaryExpired when it steps down (spec §6). The placement driver's
lease table and the recovery sweep (spec §4.7) are driven by
watchLeadership directly, not through a subscription to this broker.

Publish is non-blocking: a full subscriber buffer skips that subscriber
for that event rather than stalling the publisher.
*/
package events
