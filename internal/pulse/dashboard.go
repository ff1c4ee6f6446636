package pulse

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleDashboard(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(dashboardHTML))
}

// dashboardHTML is served inline so the pulse binary stays a single
// file. The page polls the JSON APIs and upgrades to the websocket for
// live status.
const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Kait Pulse</title>
<style>
  :root { color-scheme: dark; }
  body { font-family: ui-monospace, monospace; background: #0d1117; color: #c9d1d9; margin: 2rem; }
  h1 { font-size: 1.4rem; }
  section { border: 1px solid #30363d; border-radius: 8px; padding: 1rem; margin-bottom: 1rem; }
  h2 { font-size: 1rem; margin-top: 0; color: #58a6ff; }
  table { border-collapse: collapse; width: 100%; }
  td, th { text-align: left; padding: 0.25rem 0.75rem 0.25rem 0; }
  .up { color: #3fb950; }
  .down { color: #f85149; }
  #conn { float: right; font-size: 0.8rem; }
</style>
</head>
<body>
<h1>Kait Pulse <span id="conn" class="down">offline</span></h1>

<section id="services">
  <h2>Services</h2>
  <table><tbody id="service-rows"></tbody></table>
</section>

<section id="llm">
  <h2>LLM Gateway</h2>
  <div id="llm-summary">loading…</div>
</section>

<section id="queue">
  <h2>Event Queue</h2>
  <div id="queue-summary">loading…</div>
</section>

<section id="intelligence">
  <h2>Intelligence</h2>
  <div id="intel-summary">loading…</div>
</section>

<script>
function cls(ok) { return ok ? "up" : "down"; }
function text(ok) { return ok ? "up" : "down"; }

function renderStatus(st) {
  const rows = document.getElementById("service-rows");
  rows.innerHTML = "";
  (st.services || []).forEach(function (svc) {
    const tr = document.createElement("tr");
    tr.innerHTML = "<td>" + svc.name + "</td>" +
      '<td class="' + cls(svc.running) + '">' + text(svc.running) + "</td>" +
      "<td>pid " + (svc.pid || "-") + "</td>";
    rows.appendChild(tr);
  });
}

async function refresh() {
  const llm = await (await fetch("/api/llm")).json();
  if (llm.enabled) {
    const s = llm.summary || {};
    document.getElementById("llm-summary").textContent =
      (s.total_calls || 0) + " calls, " + ((s.error_rate || 0) * 100).toFixed(1) + "% errors";
  } else {
    document.getElementById("llm-summary").textContent = "observability disabled";
  }
  const q = await (await fetch("/api/queue")).json();
  document.getElementById("queue-summary").textContent =
    (q.event_count || 0) + " events, " + (q.size_mb || 0).toFixed(2) + " MB" +
    (q.needs_rotation ? " (rotation due)" : "");
  const intel = await (await fetch("/api/intelligence")).json();
  const stage = intel.stage ? intel.stage.name : "unknown";
  document.getElementById("intel-summary").textContent = "stage: " + stage;
}

function connect() {
  const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
  const conn = document.getElementById("conn");
  ws.onopen = function () { conn.textContent = "live"; conn.className = "up"; };
  ws.onmessage = function (ev) { renderStatus(JSON.parse(ev.data)); };
  ws.onclose = function () {
    conn.textContent = "offline";
    conn.className = "down";
    setTimeout(connect, 3000);
  };
}

connect();
refresh();
setInterval(refresh, 10000);
</script>
</body>
</html>
`
