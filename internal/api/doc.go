// Package api exposes the DeFlow REST surface: workflow CRUD scoped to the
// delegator identity, starting executions and reading execution history,
// plus health and Prometheus endpoints.
package api
