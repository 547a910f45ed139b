package api

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>koriproxy</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root,[data-theme="dark"]{
  --bg:#0f1117;--bg-card:#161b22;--bg-card-hover:#1c2129;
  --border:#30363d;--text:#e1e4e8;--text-muted:#8b949e;--text-dim:#484f58;
  --primary:#58a6ff;
  --green:#3fb950;--red:#f85149;--yellow:#d29922;
  --radius:8px;--radius-sm:4px;
}
[data-theme="light"]{
  --bg:#f6f8fa;--bg-card:#ffffff;--bg-card-hover:#f3f4f6;
  --border:#d0d7de;--text:#1f2328;--text-muted:#656d76;--text-dim:#8b949e;
  --primary:#0969da;
  --green:#1a7f37;--red:#cf222e;--yellow:#9a6700;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh}
a{color:var(--primary);text-decoration:none}
button{cursor:pointer;font-family:inherit;font-size:inherit}
.container{max-width:1300px;margin:0 auto;padding:0 24px 48px}
header{background:var(--bg-card);border-bottom:1px solid var(--border);padding:12px 24px;position:sticky;top:0;z-index:100}
.header-inner{max-width:1300px;margin:0 auto;display:flex;align-items:center;gap:16px;flex-wrap:wrap}
.header-title{font-size:20px;font-weight:700}
.badge{display:inline-flex;align-items:center;gap:4px;padding:2px 10px;border-radius:12px;font-size:12px;font-weight:600;border:1px solid var(--border)}
.badge-healthy{color:var(--green);border-color:var(--green)}
.badge-unhealthy{color:var(--red);border-color:var(--red)}
.badge-port{color:var(--text-muted);font-weight:400;margin-left:auto}
.dot{width:8px;height:8px;border-radius:50%;display:inline-block}
.dot-green{background:var(--green)}.dot-red{background:var(--red)}.dot-gray{background:var(--text-dim)}
.refresh-controls{display:flex;align-items:center;gap:6px;font-size:13px;color:var(--text-muted)}
.refresh-controls select{background:var(--bg);color:var(--text);border:1px solid var(--border);border-radius:var(--radius-sm);padding:2px 6px;font-size:13px}
.theme-btn{background:none;border:1px solid var(--border);color:var(--text-muted);border-radius:var(--radius-sm);padding:4px 8px;font-size:16px;line-height:1}
.theme-btn:hover{color:var(--text);border-color:var(--text-muted)}
.status-bar{display:flex;flex-wrap:wrap;gap:20px;padding:16px 0;border-bottom:1px solid var(--border);font-size:13px;color:var(--text-muted)}
.status-bar .status-item{display:flex;align-items:center;gap:6px}
.status-bar .status-label{color:var(--text-dim);font-size:11px;text-transform:uppercase;letter-spacing:.3px}
.status-bar .status-value{color:var(--text);font-weight:500}
.summary{display:grid;grid-template-columns:repeat(4,1fr);gap:16px;margin:24px 0}
.card{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);padding:20px}
.card-label{font-size:12px;text-transform:uppercase;letter-spacing:.5px;color:var(--text-muted);margin-bottom:4px}
.card-value{font-size:32px;font-weight:700;line-height:1.2}
.card-value.danger{color:var(--red)}
.section-title{font-size:15px;font-weight:600;margin:28px 0 12px}
.table-wrap{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);overflow-x:auto}
table{width:100%;border-collapse:collapse;font-size:13px}
th{text-align:left;padding:10px 14px;color:var(--text-muted);font-weight:600;border-bottom:1px solid var(--border);white-space:nowrap}
td{padding:10px 14px;border-bottom:1px solid var(--border);white-space:nowrap}
tr:last-child td{border-bottom:none}
tr:hover td{background:var(--bg-card-hover)}
.mono{font-family:ui-monospace,SFMono-Regular,Menlo,monospace}
.empty-state{text-align:center;padding:40px;color:var(--text-muted)}
.empty-state h3{color:var(--text);margin-bottom:4px}
.meter{width:80px;height:6px;background:var(--border);border-radius:3px;overflow:hidden;display:inline-block;vertical-align:middle;margin-right:8px}
.meter-fill{height:100%;background:var(--primary)}
.meter-fill.warn{background:var(--yellow)}
.meter-fill.crit{background:var(--red)}
pre.rules{font-size:13px;background:var(--bg);border:1px solid var(--border);border-radius:var(--radius-sm);padding:14px;overflow-x:auto}
@media(max-width:900px){.summary{grid-template-columns:repeat(2,1fr)}}
@media(max-width:600px){.summary{grid-template-columns:1fr}.status-bar{flex-direction:column;gap:8px}}
</style>
</head>
<body>

<header>
  <div class="header-inner">
    <div class="header-title">koriproxy</div>
    <span id="overallBadge" class="badge badge-healthy"><span class="dot dot-green"></span> Healthy</span>
    <span id="portsBadge" class="badge badge-port"></span>
    <button class="theme-btn" id="themeBtn" title="Toggle theme">&#9790;</button>
    <div class="refresh-controls">
      <label><input type="checkbox" id="autoRefresh" checked> Auto-refresh</label>
      <select id="refreshInterval">
        <option value="1000">1s</option>
        <option value="3000" selected>3s</option>
        <option value="5000">5s</option>
        <option value="10000">10s</option>
      </select>
    </div>
  </div>
</header>

<div class="container">
  <div class="status-bar" id="statusBar">
    <div class="status-item"><span class="status-label">Uptime</span><span class="status-value" id="sUptime">-</span></div>
    <div class="status-item"><span class="status-label">Go</span><span class="status-value" id="sGoVer">-</span></div>
    <div class="status-item"><span class="status-label">Goroutines</span><span class="status-value" id="sGoroutines">-</span></div>
    <div class="status-item"><span class="status-label">Memory</span><span class="status-value" id="sMemory">-</span></div>
    <div class="status-item"><span class="status-label">MySQL Port</span><span class="status-value" id="sMysqlPort">-</span></div>
    <div class="status-item"><span class="status-label">API Port</span><span class="status-value" id="sApiPort">-</span></div>
  </div>

  <div class="summary">
    <div class="card">
      <div class="card-label">Clusters</div>
      <div class="card-value" id="totalClusters">0</div>
    </div>
    <div class="card">
      <div class="card-label">Online Instances</div>
      <div class="card-value" id="onlineInstances">0</div>
    </div>
    <div class="card">
      <div class="card-label">Active Leases</div>
      <div class="card-value" id="activeLeases">0</div>
    </div>
    <div class="card" id="unhealthyCard">
      <div class="card-label">Unhealthy Instances</div>
      <div class="card-value" id="unhealthyCount">0</div>
    </div>
  </div>

  <div class="section-title">Backend instances</div>
  <div class="table-wrap">
    <table>
      <thead>
        <tr>
          <th>Instance</th>
          <th>Cluster</th>
          <th>Address</th>
          <th>Role</th>
          <th>Locality</th>
          <th>Online</th>
          <th>Health</th>
          <th>Pool usage</th>
        </tr>
      </thead>
      <tbody id="instanceTableBody">
        <tr><td colspan="8" class="empty-state"><h3>No backend instances</h3>Waiting for control-plane topology...</td></tr>
      </tbody>
    </table>
  </div>

  <div class="section-title">Router rules</div>
  <div class="table-wrap">
    <pre class="rules" id="routerRules">Loading...</pre>
  </div>
</div>

<script>
(function() {
  'use strict';

  function g(id) { return document.getElementById(id); }

  var elOverallBadge = g('overallBadge');
  var elPortsBadge = g('portsBadge');
  var elTotalClusters = g('totalClusters');
  var elOnlineInstances = g('onlineInstances');
  var elActiveLeases = g('activeLeases');
  var elUnhealthyCount = g('unhealthyCount');
  var elTbody = g('instanceTableBody');
  var elRules = g('routerRules');

  var apiBase = '';

  function apiFetch(path) {
    return fetch(apiBase + path).then(function(resp) {
      if (!resp.ok) { throw new Error(path + ': ' + resp.status); }
      return resp.json();
    });
  }

  function esc(s) {
    return String(s == null ? '' : s).replace(/[&<>"']/g, function(c) {
      return { '&': '&amp;', '<': '&lt;', '>': '&gt;', '"': '&quot;', "'": '&#39;' }[c];
    });
  }

  function meterClass(pct) {
    if (pct >= 95) return 'crit';
    if (pct >= 80) return 'warn';
    return '';
  }

  function renderTopology(topology, poolsByID) {
    var clusters = Object.keys(topology).sort();
    var rows = [];
    var online = 0, totalActive = 0, unhealthy = 0;

    clusters.forEach(function(cluster) {
      (topology[cluster] || []).forEach(function(inst) {
        if (inst.online) online++;
        var h = inst.health || {};
        if (h.status === 2) unhealthy++; // StatusUnhealthy
        var p = inst.pool || poolsByID[inst.id] || {};
        var pct = p.max_links ? Math.round(100 * (p.active || 0) / p.max_links) : 0;

        rows.push(
          '<tr>' +
          '<td class="mono">' + esc(inst.id) + '</td>' +
          '<td>' + esc(inst.cluster) + '</td>' +
          '<td class="mono">' + esc(inst.address) + '</td>' +
          '<td>' + esc(inst.role) + '</td>' +
          '<td>' + esc(inst.locality || '-') + '</td>' +
          '<td>' + (inst.online
            ? '<span class="dot dot-green"></span>'
            : '<span class="dot dot-red"></span>') + '</td>' +
          '<td>' + statusLabel(h.status) + '</td>' +
          '<td><span class="meter"><span class="meter-fill ' + meterClass(pct) + '" style="width:' + pct + '%"></span></span>' +
            (p.active || 0) + '/' + (p.max_links || '-') + '</td>' +
          '</tr>'
        );
        totalActive += p.active || 0;
      });
    });

    elTotalClusters.textContent = clusters.length;
    elOnlineInstances.textContent = online;
    elActiveLeases.textContent = totalActive;
    elUnhealthyCount.textContent = unhealthy;

    if (unhealthy > 0) {
      elOverallBadge.className = 'badge badge-unhealthy';
      elOverallBadge.innerHTML = '<span class="dot dot-red"></span> Degraded';
    } else {
      elOverallBadge.className = 'badge badge-healthy';
      elOverallBadge.innerHTML = '<span class="dot dot-green"></span> Healthy';
    }

    elTbody.innerHTML = rows.length ? rows.join('') :
      '<tr><td colspan="8" class="empty-state"><h3>No backend instances</h3>Waiting for control-plane topology...</td></tr>';
  }

  function statusLabel(status) {
    if (status === 1) return '<span class="dot dot-green"></span> healthy';
    if (status === 2) return '<span class="dot dot-red"></span> unhealthy';
    return '<span class="dot dot-gray"></span> unknown';
  }

  function renderRouter(data) {
    elRules.textContent = JSON.stringify(data, null, 2);
  }

  function renderStatus(data) {
    g('sUptime').textContent = formatUptime(data.uptime_seconds);
    g('sGoVer').textContent = data.go_version || '-';
    g('sGoroutines').textContent = data.goroutines || '-';
    g('sMemory').textContent = (data.memory_mb || 0).toFixed(1) + ' MB';
    if (data.listen) {
      g('sMysqlPort').textContent = data.listen.mysql_port || '-';
      g('sApiPort').textContent = data.listen.api_port || '-';
      elPortsBadge.textContent = 'MySQL:' + data.listen.mysql_port + ' | API:' + data.listen.api_port;
    }
  }

  function formatUptime(seconds) {
    seconds = seconds || 0;
    var h = Math.floor(seconds / 3600);
    var m = Math.floor((seconds % 3600) / 60);
    var s = seconds % 60;
    return h + 'h ' + m + 'm ' + s + 's';
  }

  function poolsIndex(list) {
    var byID = {};
    (list || []).forEach(function(p) { byID[p.instance_id] = p; });
    return byID;
  }

  function refresh() {
    return Promise.all([
      apiFetch('/topology'),
      apiFetch('/pools'),
      apiFetch('/router'),
      apiFetch('/status')
    ]).then(function(results) {
      renderTopology(results[0], poolsIndex(results[1]));
      renderRouter(results[2]);
      renderStatus(results[3]);
    }).catch(function(err) {
      console.error('refresh failed', err);
    });
  }

  var timer = null;
  function scheduleRefresh() {
    if (timer) { clearTimeout(timer); timer = null; }
    if (!g('autoRefresh').checked) return;
    timer = setTimeout(function() {
      refresh().then(scheduleRefresh);
    }, parseInt(g('refreshInterval').value, 10));
  }

  g('autoRefresh').addEventListener('change', scheduleRefresh);
  g('refreshInterval').addEventListener('change', scheduleRefresh);

  g('themeBtn').addEventListener('click', function() {
    var cur = document.documentElement.getAttribute('data-theme') || 'dark';
    var next = cur === 'dark' ? 'light' : 'dark';
    document.documentElement.setAttribute('data-theme', next);
    try { localStorage.setItem('koriproxy-theme', next); } catch (e) {}
  });
  try {
    var saved = localStorage.getItem('koriproxy-theme');
    if (saved) document.documentElement.setAttribute('data-theme', saved);
  } catch (e) {}

  refresh().then(scheduleRefresh);
})();
</script>
</body>
</html>
`
