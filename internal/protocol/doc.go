// Package protocol defines the line-oriented JSON wire format spoken between
// the editor and the remote agent.
//
// # Framing
//
// Every message is one JSON object terminated by a newline. Requests flow
// from the editor to the agent:
//
//	{"id":7,"m":"read","params":{"path":"/etc/hosts"}}
//
// Responses flow back and are correlated by id:
//
//	{"id":0,"ok":true,"v":1}          ready message, sent once at startup
//	{"id":7,"d":{"data":"SGVsbG8="}}  streaming chunk, request stays open
//	{"id":7,"r":{"size":5}}           terminal success
//	{"id":7,"e":"file not found"}     terminal failure
//
// # Methods
//
//   - read:   {path, offset?, length?} streams {data} chunks, ends with {size}
//   - write:  {path, data} ends with {size}
//   - stat:   {path, follow} ends with a Metadata record
//   - ls:     {path} streams {entries} batches, ends with {count}
//   - exec:   {cmd, args, cwd?} streams {out?, err?}, ends with {code}
//   - cancel: {id} ends with {}; the target request ends with an error
//
// Binary payloads travel as standard base64 strings.
package protocol
