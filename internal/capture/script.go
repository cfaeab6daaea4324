package capture

import (
	"fmt"
	"strconv"
	"time"
)

// recordScript is an async function evaluated in the page. It records the
// default audio input for durationMs, waits for the recorder's stop event and
// resolves to the handoff object. Nothing is left on window.
const recordScript = `(async (durationMs, timesliceMs, mimeType) => {
  let stream;
  try {
    stream = await navigator.mediaDevices.getUserMedia({audio: true});
  } catch (e) {
    return {error: 'permission_denied', message: String(e && e.message || e)};
  }
  const options = mimeType && MediaRecorder.isTypeSupported(mimeType) ? {mimeType} : {};
  const recorder = new MediaRecorder(stream, options);
  const chunks = [];
  recorder.ondataavailable = (ev) => {
    if (ev.data && ev.data.size > 0) chunks.push(ev.data);
  };
  const stopped = new Promise((resolve) => { recorder.onstop = resolve; });
  const started = performance.now();
  recorder.start(timesliceMs);
  await new Promise((resolve) => setTimeout(resolve, durationMs));
  recorder.stop();
  await stopped;
  const elapsed = performance.now() - started;
  stream.getTracks().forEach((t) => t.stop());
  if (chunks.length === 0) {
    return {error: 'empty_capture', durationMs: elapsed, chunks: 0};
  }
  const blob = new Blob(chunks, {type: recorder.mimeType || mimeType});
  const bytes = new Uint8Array(await blob.arrayBuffer());
  let binary = '';
  for (let i = 0; i < bytes.length; i += 0x8000) {
    binary += String.fromCharCode.apply(null, bytes.subarray(i, i + 0x8000));
  }
  return {
    complete: true,
    data: btoa(binary),
    mimeType: blob.type,
    durationMs: elapsed,
    chunks: chunks.length,
  };
})`

// recordExpression binds the script's arguments into a single expression.
func recordExpression(d, timeslice time.Duration, mimeType string) string {
	return fmt.Sprintf("%s(%d, %d, %s)", recordScript, d.Milliseconds(), timeslice.Milliseconds(), strconv.Quote(mimeType))
}
