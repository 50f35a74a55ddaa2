package storage

// Package storage provides the broker's persistence layer.
//
// It currently supports:
//   - Contact lookup (address -> user id / chat id)
//   - Consent state (first-contact notice, survives restarts)
//   - Audit log appends (delivery outcomes)
