package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>replyqueue</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px;
    }
    .row { display: flex; gap: 10px; align-items: center; flex-wrap: wrap; }
    .pill { padding: 4px 10px; border-radius: 999px; border: 1px solid var(--line); }
    .error { color: var(--danger); }
    .muted { color: var(--muted); }
    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 6px; border-bottom: 1px solid var(--line); vertical-align: top; }
    button, select, input { font: inherit; padding: 4px 8px; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card row">
      <strong>replyqueue</strong>
      <input id="token" type="password" placeholder="admin token" />
      <label>mode
        <select id="mode">
          <option value="off">off</option>
          <option value="draft">draft</option>
          <option value="auto">auto</option>
        </select>
      </label>
      <span id="status" class="muted"></span>
    </div>
    <div class="card row" id="counts"></div>
    <div class="card">
      <table>
        <thead><tr><th>id</th><th>comment</th><th>status</th><th>attempts</th><th>mode</th><th>reply / error</th><th>updated</th></tr></thead>
        <tbody id="rows"></tbody>
      </table>
    </div>
  </div>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        mode: document.getElementById("mode"),
        status: document.getElementById("status"),
        counts: document.getElementById("counts"),
        rows: document.getElementById("rows"),
      };

      function setStatus(text, isError) {
        dom.status.textContent = text;
        dom.status.className = isError ? "error" : "muted";
      }

      async function api(method, path, body) {
        const resp = await fetch(path, {
          method: method,
          headers: {
            "Authorization": "Bearer " + dom.token.value.trim(),
            "Content-Type": "application/json",
          },
          body: body ? JSON.stringify(body) : undefined,
        });
        const data = await resp.json();
        if (!resp.ok) {
          throw new Error(data.message || ("HTTP " + resp.status));
        }
        return data;
      }

      function cell(text) {
        const td = document.createElement("td");
        td.textContent = text == null ? "" : String(text);
        return td;
      }

      async function refresh() {
        if (!dom.token.value.trim()) {
          setStatus("enter token to start", true);
          return;
        }
        try {
          const mode = await api("GET", "/v1/admin/reply-mode");
          dom.mode.value = mode.mode;
          const stats = await api("GET", "/v1/admin/tasks/stats");
          dom.counts.innerHTML = "";
          ["todo", "processing", "done", "error"].forEach(function (key) {
            const span = document.createElement("span");
            span.className = "pill";
            span.textContent = key + ": " + (stats.counts[key] || 0);
            dom.counts.appendChild(span);
          });
          const list = await api("GET", "/v1/admin/tasks?limit=50");
          dom.rows.innerHTML = "";
          list.tasks.forEach(function (task) {
            const tr = document.createElement("tr");
            tr.appendChild(cell(task.id));
            tr.appendChild(cell((task.commenter ? "@" + task.commenter + ": " : "") + (task.comment_text || task.comment_id)));
            tr.appendChild(cell(task.status));
            tr.appendChild(cell(task.attempts));
            tr.appendChild(cell(task.reply_mode_snapshot));
            tr.appendChild(cell(task.last_error || task.reply_text));
            tr.appendChild(cell(task.updated_at));
            dom.rows.appendChild(tr);
          });
          setStatus("updated " + new Date().toLocaleTimeString(), false);
        } catch (err) {
          setStatus(err.message, true);
        }
      }

      dom.mode.addEventListener("change", async function () {
        try {
          await api("PUT", "/v1/admin/reply-mode", { mode: dom.mode.value });
          refresh();
        } catch (err) {
          setStatus(err.message, true);
        }
      });
      dom.token.addEventListener("change", function () {
        window.localStorage.setItem("replyqueue_dashboard_token", dom.token.value.trim());
        refresh();
      });

      dom.token.value = window.localStorage.getItem("replyqueue_dashboard_token") || "";
      window.setInterval(refresh, 3000);
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
