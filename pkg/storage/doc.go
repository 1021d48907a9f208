/*
Package storage persists the gateway's configuration so a restart
doesn't lose every node, group, tag, and subscription an admin has
built up.

# Layout

A single bbolt database file holds three buckets:

  - nodes — one entry per node: its plugin name, type, singleton
    flag, and last-applied JSON setting.
  - groups — one entry per (driver, group): its poll interval and
    full tag set.
  - subscriptions — one entry per (driver, app, group): the route
    parameters an app subscribed with.

# Boot replay

On startup, a fresh Manager is populated from the store in dependency
order: nodes first (so plugin instances exist), then each driver's
groups and tags (via AddGTag), then subscriptions last (since
Subscribe requires both the app and the driver to already exist).
Replay.go implements this ordering.

Every write that changes configuration (AddNode, DelNode, AddGTag,
Subscribe, Unsubscribe) should be mirrored into the store by the admin
surface that drives the manager — the store itself never calls back
into the manager on write, only on the one-shot replay at boot.
*/
package storage
