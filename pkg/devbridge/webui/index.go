package webui

import "net/http"

// indexPage is a minimal status page; the JSON API is the real surface.
const indexPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>DevBridge</title>
<style>
body { font-family: monospace; margin: 2em; background: #111; color: #ddd; }
h1 { color: #8f8; }
pre { background: #1a1a1a; padding: 1em; overflow-x: auto; }
a { color: #8cf; }
</style>
</head>
<body>
<h1>DevBridge</h1>
<p>Endpoints:
<a href="/api/status">status</a> ·
<a href="/api/sessions">sessions</a> ·
<a href="/api/events">events</a> ·
<a href="/api/history">history</a> ·
<a href="/api/qr">qr (SSE)</a></p>
<pre id="status">loading…</pre>
<script>
async function refresh() {
  const res = await fetch('/api/status');
  document.getElementById('status').textContent = JSON.stringify(await res.json(), null, 2);
}
refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexPage))
}
