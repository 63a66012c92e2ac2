// Package stores provides the SQLite persistence layer for Dockyard.
// It stores servers, projects, environments with their variables, resources
// and the audit log, and applies embedded schema migrations on startup.
package stores
