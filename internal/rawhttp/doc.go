// Package rawhttp is the minimal HTTP/1.1 subset jsonserve speaks on a raw
// TCP connection: read one request line, write one response, close.
//
// Only three responses exist, modelled as the closed [Status] enum. Headers
// beyond Content-Type and Content-Length are never emitted and request
// headers are never read.
package rawhttp
