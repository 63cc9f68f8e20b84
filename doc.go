// Package camstream distributes live camera frames to local consumers and
// WebRTC peers.
//
// Raw frames arrive on the capture driver's thread, pass through a
// bounded-concurrency conversion pool, and are handed to either a frame
// channel (local display over IPC) or a latest-value slot feeding an
// encoding bridge that paces H.264 access units onto a peer connection's
// video track.
//
// The camera driver, the video encoder, and the WebRTC engine internals are
// external collaborators behind the CaptureProvider, VideoEncoder, and pion
// interfaces; this package owns the stream lifecycle, admission control,
// distribution, and session negotiation plumbing between them.
package camstream
