// Package model defines the shared data types of the sync core: slice
// names, inbound event names, and the payload shapes carried by both
// push updates and pull responses.
//
// Conventions:
//   - Amounts: integer hundred-thousandths of the display unit
//   - Timestamps: int64 microseconds since Unix epoch
//   - IDs: uuid.UUID for bets and standing orders, string for rounds
package model
