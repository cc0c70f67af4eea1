// Package protocol implements the wire format spoken between kvwire clients
// and a compatible key-value server.
//
// The two directions are deliberately asymmetric.
//
// === Commands (client to server)
//
// A command is sent inline, as a single line. The verb comes first, followed
// by each argument wrapped in double quotes, separated by single spaces and
// terminated by `\r\n`. Verbs made of several words are declared with
// underscores (e.g. `CLIENT_SETNAME`) and written with spaces.
//
//   ```
//     SET "greeting" "hello"\r\n
//     CLIENT SETNAME "worker-1"\r\n
//   ```
//
// Arguments are not escaped. An argument containing `"` or a line terminator
// produces a malformed command. Callers that need binary payloads should use
// a different client.
//
// === Replies (server to client)
//
// Replies are line oriented and the first byte of the line selects the type
//
// - `+` simple string, the rest of the line
// - `-` error, the rest of the line
// - `:` integer, a signed 64 bit integer
// - `$<n>` bulk string of exactly n bytes followed by `\r\n`. `$-1` is null
// - `*<n>` array of n replies, each of which may be an array. `*-1` is null
//
// A null array (`*-1`) and an empty array (`*0`) mean different things and
// the decoder keeps them apart. EXEC relies on this to report aborted
// transactions.
//
// The server side of both directions (ReadCommand, WriteReply) is provided
// as well so that tests and the development server share one codec.
package protocol
