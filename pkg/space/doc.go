// Package space defines the entities, wire envelope and identifiers shared by
// every part of the realtime collaboration core.
//
// # Overview
//
// A space is the top-level collaborative document. It contains cards, boxes,
// connections, lines and lists, each embedding an [Item] that carries the
// entity id, the owning space id and the id of the user who last edited it.
//
// Mutations travel between clients as JSON envelopes:
//
//	{
//	  "message": {"name": "updateCard", "action": "updateCard", "store": "cardStore", "updates": {...}},
//	  "spaceId": "...",
//	  "user": {"id": "..."},
//	  "clientId": "..."
//	}
//
// The clientId is generated once per process by [NewClientID] and is only
// used to recognise, and drop, a client's own broadcasts when they come back.
//
// # Partial updates
//
// Updates are shallow patches ([Patch]) applied with [Merge]. The system is
// last-writer-wins: whichever patch a client applies last decides the value
// of each field it names.
package space
