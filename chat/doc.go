// Package chat contains the room chat message type and the history stores a replay
// reads from.
//
// A HistoryStore answers one question: which messages have a timestamp in
// (lowerExclusive, upperInclusive], ascending, with ties in arrival order. An empty
// answer is meaningful (nothing more in that range), not an error.
//
// Implementations:
//   - PostgresHistory: reads the chat_messages table for one room, paginated.
//   - HTTPHistory: calls the /rooms/{room}/messages endpoint of another replay server.
//   - MemoryHistory: an in-process store for tests and demos.
//
// Recorder is the write side: it follows an IRC channel and persists each message with
// its absolute timestamp so later replays have history to fetch.
package chat
