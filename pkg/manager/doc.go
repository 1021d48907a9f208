/*
Package manager implements the gateway's single admin-operation
funnel: the node table, the subscription index, and every driver/app
adapter instance all live here, reached only through Manager's
exported methods.

# Architecture

The manager sits between the admin surface (HTTP, outside this
module's scope) and the running adapters:

	┌─────────────────────────── MANAGER ───────────────────────────┐
	│                                                                 │
	│   AddNode / DelNode / AddDrivers                               │
	│   Subscribe / Unsubscribe / Forward                            │
	│        │                                                       │
	│        ▼                                                       │
	│   ┌─────────────┐   ┌──────────────────┐   ┌─────────────┐   │
	│   │ node.Table  │   │ subscription.Mgr │   │  bus.Bus    │   │
	│   └─────────────┘   └──────────────────┘   └─────────────┘   │
	│        │                                           │           │
	│        ▼                                           ▼           │
	│   adapter.DriverAdapter / adapter.AppAdapter instances         │
	│   (one goroutine each, registered mailboxes on the bus)        │
	└─────────────────────────────────────────────────────────────────┘

Every exported method takes the manager's single mutex for its
duration, so the multi-step flows (create an adapter, wire it into the
bus, apply its setting, insert it into the node table) are atomic with
respect to one another — a concurrent AddNode and DelNode for the same
name can never interleave.

# Node lifecycle

AddNode looks up the plugin descriptor, checks singleton and name
constraints, constructs the plugin instance and its adapter, registers
a bus mailbox, applies the optional JSON setting, and inserts the node
into the table. Any failure after mailbox registration unwinds
completely: the mailbox is released, the adapter closed, and the node
table left untouched.

DelNode branches on node type. Deleting an app drops every subscription
it held and tells each affected driver UNSUBSCRIBE_GROUP. Deleting a
driver tells every subscribed app NODE_DELETED and drops the driver's
side of the subscription index. Singleton nodes reject deletion outright.

AddDrivers applies a batch of driver specs — each with its own group
and tag set — atomically: a pre-check pass rejects the whole batch
before any node is touched, then nodes are created one by one with
index-based rollback on first failure.

# Subscriptions

Subscribe and Unsubscribe maintain two views of the same fact: the
subscription.Manager's bipartite index (for driver-side fan-out lookup
at publish time) and the app adapter's local route table (topic,
format, QoS per (driver, group)). An MQTT app subscribing with an empty
topic parameter is rejected before either view is touched.

# Metrics

MetricsCollector samples the node table on a timer into the
process-global gauges in pkg/metrics, independent of the per-adapter
publish counters the app adapters maintain themselves.
*/
package manager
