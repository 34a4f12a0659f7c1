package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/accgate/accgate/internal/models"
	"github.com/accgate/accgate/internal/pricing"
	"github.com/accgate/accgate/internal/services/security"
	"github.com/accgate/accgate/internal/usage"
)

var dataPrefix = []byte("data: ")

// StreamResult is what the pump hands back for settlement and logging.
type StreamResult struct {
	Usage        pricing.Usage
	BytesRelayed int64
	Killed       bool
	KillReason   string
}

type pumpContext struct {
	requestID   string
	provider    string
	fingerprint string
	event       security.Event
}

// pump relays SSE lines from upstream to the client verbatim while feeding
// data payloads to the usage accumulator and the response detectors. It never
// buffers the stream. The kill signal is checked between chunks; on kill the
// client gets one synthetic error event and the relay stops.
func (p *Pipeline) pump(ctx context.Context, w http.ResponseWriter, body io.Reader, pc pumpContext) StreamResult {
	flusher, _ := w.(http.Flusher)
	acc := usage.NewStreamAccumulator(pc.provider)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	killReason := make(chan string, 1)
	p.Security.Registry().Register(pc.requestID, func(reason string) {
		select {
		case killReason <- reason:
		default:
		}
		cancel()
	})
	defer p.Security.Registry().Unregister(pc.requestID)

	lines := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case lines <- line:
				case <-streamCtx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	result := StreamResult{}
	idle := time.NewTimer(p.StreamIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case line := <-lines:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(p.StreamIdleTimeout)

			if killed, reason := p.relayLine(streamCtx, w, flusher, line, acc, pc, &result); killed {
				p.finishKill(w, flusher, reason, &result, acc)
				return result
			}

		case <-streamCtx.Done():
			select {
			case reason := <-killReason:
				p.finishKill(w, flusher, reason, &result, acc)
				return result
			default:
			}
			// Client disconnect or shutdown; settle with what we have.
			result.Usage = acc.Finalize()
			return result

		case err := <-readErr:
			if err != io.EOF {
				p.logger.Warn("upstream stream read failed",
					zap.String("request_id", pc.requestID), zap.Error(err))
			}
			// Drain anything the reader queued before erroring.
			for {
				select {
				case line := <-lines:
					if killed, reason := p.relayLine(streamCtx, w, flusher, line, acc, pc, &result); killed {
						p.finishKill(w, flusher, reason, &result, acc)
						return result
					}
					continue
				default:
				}
				break
			}
			result.Usage = acc.Finalize()
			return result

		case <-idle.C:
			p.logger.Warn("stream idle timeout",
				zap.String("request_id", pc.requestID),
				zap.Duration("timeout", p.StreamIdleTimeout))
			result.Usage = acc.Finalize()
			return result
		}
	}
}

// relayLine offers a data payload to accounting and response detectors, then
// forwards the line. Detectors run before the write so a killing or redacting
// detection never lets the offending bytes reach the client. Returns true
// when a detector demands termination.
func (p *Pipeline) relayLine(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, line []byte, acc *usage.StreamAccumulator, pc pumpContext, result *StreamResult) (bool, string) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(trimmed, dataPrefix) {
		p.forward(w, flusher, line, result)
		return false, ""
	}
	payload := bytes.TrimPrefix(trimmed, dataPrefix)
	if bytes.Equal(payload, []byte("[DONE]")) {
		p.forward(w, flusher, line, result)
		return false, ""
	}

	acc.Offer(payload)
	acc.AddBytes(len(payload))

	event := pc.event
	event.Direction = models.DirectionResponse
	event.Payload = payload
	event.ResponseBytes = result.BytesRelayed + int64(len(line))

	scan := p.Security.ScanResponseChunk(ctx, &event)
	if scan.Action.Blocking() {
		return true, scan.TriggeringType
	}
	if scan.Action == security.ActionThrottle {
		p.applyThrottle(ctx, pc.fingerprint, pc.requestID, scan.TriggeringType)
	}

	out := line
	if scan.Action == security.ActionRedact && scan.RedactedPayload != nil {
		out = make([]byte, 0, len(dataPrefix)+len(scan.RedactedPayload)+2)
		out = append(out, dataPrefix...)
		out = append(out, scan.RedactedPayload...)
		out = append(out, line[len(trimmed):]...)
	}
	p.forward(w, flusher, out, result)

	asyncEvent := pc.event
	asyncEvent.Direction = models.DirectionResponse
	asyncEvent.Payload = payload
	asyncEvent.ResponseBytes = result.BytesRelayed
	p.Security.SubmitAsync(&asyncEvent)

	return false, ""
}

// forward writes one line to the client and counts the relayed bytes.
func (p *Pipeline) forward(w http.ResponseWriter, flusher http.Flusher, line []byte, result *StreamResult) {
	if _, err := w.Write(line); err != nil {
		return
	}
	if flusher != nil {
		flusher.Flush()
	}
	result.BytesRelayed += int64(len(line))
}

// finishKill writes the synthetic error event and finalizes usage with the
// tokens counted so far.
func (p *Pipeline) finishKill(w http.ResponseWriter, flusher http.Flusher, reason string, result *StreamResult, acc *usage.StreamAccumulator) {
	if _, err := w.Write(StreamErrorEvent(KindSecurityBlocked, "stream terminated: "+reason)); err == nil && flusher != nil {
		flusher.Flush()
	}
	result.Killed = true
	result.KillReason = reason
	result.Usage = acc.Finalize()
}
