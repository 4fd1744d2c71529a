package api

const streamDocsHTML = `<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Event Stream · CDP Observer</title>
  <style>
    body {
      margin: 0 auto;
      max-width: 860px;
      padding: 24px 24px 64px;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
      font-size: 14px;
      line-height: 1.6;
      background: #0d1117;
      color: #c9d1d9;
    }
    a { color: #58a6ff; text-decoration: none; }
    h1, h2 { color: #e6edf3; font-weight: 600; }
    h2 { margin-top: 36px; padding-bottom: 6px; border-bottom: 1px solid #21262d; font-size: 18px; }
    table { width: 100%; border-collapse: collapse; font-size: 13px; }
    th, td { text-align: left; padding: 6px 10px; border-bottom: 1px solid #21262d; vertical-align: top; }
    th { color: #8b949e; background: #161b22; }
    code, pre {
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 4px;
    }
    code { padding: 1px 5px; font-size: 12px; }
    pre { padding: 14px; overflow-x: auto; }
    pre code { border: none; padding: 0; }
    .note { border-left: 3px solid #d29922; padding: 8px 14px; background: #161b22; }
  </style>
</head>
<body>
  <p><a href="/docs">← REST API Docs</a></p>
  <h1>Event Stream</h1>
  <p>Live Server-Sent Events feed of the envelopes admitted into an observed target's buffer.</p>

  <h2 id="endpoint">Endpoint</h2>
  <p><code>GET /api/v1/targets/{target_id}/stream</code></p>
  <table>
    <tr><th>Query</th><th>Description</th></tr>
    <tr><td><code>kinds</code></td><td>Comma-separated kinds (<code>console</code>, <code>log</code>, <code>request</code>, <code>response</code>, <code>loadingFinished</code>, <code>loadingFailed</code>) or the <code>network</code> category. Empty streams everything.</td></tr>
  </table>

  <h2 id="format">Frame format</h2>
  <p>Each frame is named after the envelope kind. The data line is the same JSON object <code>readEvents</code> returns.</p>
  <pre><code>event: request
data: {"sequence":42,"capturedAtMillis":1760000000000,"targetId":"9A1C…","kind":"request","requestId":"1000.7","url":"https://example.com/api","method":"GET","headers":{},"initiator":"script"}
</code></pre>

  <h2 id="examples">Examples</h2>
  <pre><code>curl -N "http://127.0.0.1:8190/api/v1/targets/$TARGET/stream?kinds=network"</code></pre>
  <pre><code>const es = new EventSource("/api/v1/targets/" + target + "/stream?kinds=console");
es.addEventListener("console", (e) =&gt; console.log(JSON.parse(e.data).text));</code></pre>

  <h2 id="profiles">Filter profiles</h2>
  <p>The stream only carries what the session's filters admit. Sessions start with the filters of the first profile in <code>FILTER_PROFILES_FILE</code> whose <code>url_pattern</code> the target URL contains.</p>
  <pre><code>profiles:
  - name: api-only
    url_pattern: "example.com"
    kinds: [network]
    url_allowlist: ["/api/"]
    url_blocklist: ["analytics"]
    max_body_bytes: 16000</code></pre>

  <h2 id="notes">Notes</h2>
  <p class="note">Delivery is best effort. Slow clients have frames dropped; use <code>readEvents</code> with the last seen <code>sequence</code> to backfill.</p>
</body>
</html>`
