// Package unit provides decode units: isolated workers that receive
// message.Inbound values and answer with message.Outbound values.
//
// Local runs the decoder on a goroutine. Stream speaks the same protocol
// over any io.ReadWriteCloser using length prefixed frames encoded by a
// message.Codec; PipeSpawner and ExecSpawner build on it, the latter with a
// child process running Serve on its standard streams.
package unit
