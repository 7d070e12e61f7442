// Package store is the persistence gateway: transactional CRUD over
// devices, heartbeats, commands, descent checks, dives and event logs
// backed by sqlite.
//
// sqlite does not give serializable isolation across Go connections, so
// the store carries an explicit per-device lock registry. Every inbound
// vehicle message runs inside WithDeviceTx: lock the device key, open a
// transaction, apply all mutations, commit or roll back as a unit,
// unlock. Messages for different devices proceed independently.
package store
