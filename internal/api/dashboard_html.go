package api

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>dbbouncer</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root{
  --bg:#0f1117;--bg-card:#161b22;--border:#30363d;--text:#e1e4e8;--text-muted:#8b949e;
  --primary:#58a6ff;--green:#3fb950;--red:#f85149;--yellow:#d29922;--radius:8px;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh}
a{color:var(--primary);text-decoration:none}
button{cursor:pointer;font-family:inherit;font-size:13px;background:var(--bg-card);color:var(--text);border:1px solid var(--border);border-radius:6px;padding:4px 10px}
button:hover{border-color:var(--primary)}
.container{max-width:1200px;margin:0 auto;padding:24px}
header{display:flex;align-items:center;gap:16px;margin-bottom:24px}
header h1{font-size:20px}
.badge{display:inline-flex;padding:2px 10px;border-radius:12px;font-size:12px;font-weight:600;border:1px solid var(--border)}
.badge-healthy{color:var(--green);border-color:var(--green)}
.badge-unhealthy{color:var(--red);border-color:var(--red)}
table{width:100%;border-collapse:collapse;background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);overflow:hidden}
th,td{padding:8px 12px;text-align:left;border-bottom:1px solid var(--border);font-size:13px}
th{color:var(--text-muted);font-weight:600;text-transform:uppercase;font-size:11px}
tr:last-child td{border-bottom:none}
.muted{color:var(--text-muted)}
.pool-detail{margin-top:16px;padding:12px;background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);display:none}
.actions button{margin-right:6px}
</style>
</head>
<body>
<div class="container">
  <header>
    <h1>dbbouncer</h1>
    <span class="badge" id="overallHealth">loading</span>
    <span class="muted" id="uptime"></span>
  </header>

  <table>
    <thead>
      <tr><th>Database</th><th>User</th><th>Pool Mode</th><th>Load Balancing</th><th>Shards</th><th>Servers</th><th>Validated</th><th>Paused</th><th></th></tr>
    </thead>
    <tbody id="poolTableBody">
      <tr><td colspan="9" class="muted">Loading...</td></tr>
    </tbody>
  </table>

  <div class="pool-detail" id="poolDetail"></div>
</div>

<script>
function apiFetch(path, opts) {
  return fetch(path, opts || {}).then(function(r) {
    if (!r.ok) { return r.json().then(function(e){ throw new Error(e.error || r.statusText); }); }
    return r.json();
  });
}

function renderPools(pools) {
  var tbody = document.getElementById('poolTableBody');
  if (!pools.length) {
    tbody.innerHTML = '<tr><td colspan="9" class="muted">No pools configured</td></tr>';
    return;
  }
  tbody.innerHTML = '';
  pools.forEach(function(p) {
    var tr = document.createElement('tr');
    tr.innerHTML =
      '<td>' + p.database + '</td>' +
      '<td>' + p.user + '</td>' +
      '<td>' + p.pool_mode + '</td>' +
      '<td>' + p.load_balancing_mode + '</td>' +
      '<td>' + p.shard_count + '</td>' +
      '<td>' + p.server_count + '</td>' +
      '<td>' + (p.validated ? 'yes' : 'no') + '</td>' +
      '<td>' + (p.paused ? 'yes' : 'no') + '</td>' +
      '<td class="actions"></td>';
    var actions = tr.querySelector('.actions');

    var detailBtn = document.createElement('button');
    detailBtn.textContent = 'Details';
    detailBtn.onclick = function() { showDetail(p.database, p.user); };
    actions.appendChild(detailBtn);

    var toggleBtn = document.createElement('button');
    toggleBtn.textContent = p.paused ? 'Resume' : 'Pause';
    toggleBtn.onclick = function() {
      var action = p.paused ? 'resume' : 'pause';
      apiFetch('/pools/' + encodeURIComponent(p.database) + '/' + encodeURIComponent(p.user) + '/' + action, {method: 'POST'})
        .then(loadPools);
    };
    actions.appendChild(toggleBtn);

    tbody.appendChild(tr);
  });
}

function showDetail(database, user) {
  apiFetch('/pools/' + encodeURIComponent(database) + '/' + encodeURIComponent(user)).then(function(p) {
    var el = document.getElementById('poolDetail');
    el.style.display = 'block';
    var addrRows = (p.addresses || []).map(function(a) {
      return '<tr><td>' + a.shard + '</td><td>' + a.index + '</td><td>' + a.host + ':' + a.port + '</td><td>' + a.role + '</td><td>' + a.database + '</td></tr>';
    }).join('');
    var banRows = (p.bans || []).map(function(b) {
      return '<tr><td>' + b.shard + '</td><td>' + b.address_index + '</td><td>' + b.reason + '</td><td>' + b.timestamp + '</td></tr>';
    }).join('');
    el.innerHTML =
      '<h3>' + database + ' / ' + user + '</h3>' +
      '<h4 style="margin-top:12px">Addresses</h4>' +
      '<table><thead><tr><th>Shard</th><th>Index</th><th>Address</th><th>Role</th><th>Database</th></tr></thead><tbody>' + (addrRows || '<tr><td colspan="5" class="muted">none</td></tr>') + '</tbody></table>' +
      '<h4 style="margin-top:12px">Bans</h4>' +
      '<table><thead><tr><th>Shard</th><th>Index</th><th>Reason</th><th>Since</th></tr></thead><tbody>' + (banRows || '<tr><td colspan="4" class="muted">none</td></tr>') + '</tbody></table>';
  });
}

function loadPools() {
  apiFetch('/pools').then(renderPools).catch(function(e) {
    document.getElementById('poolTableBody').innerHTML = '<tr><td colspan="9" class="muted">' + e.message + '</td></tr>';
  });
}

function loadHealth() {
  apiFetch('/health').then(function(h) {
    var badge = document.getElementById('overallHealth');
    badge.textContent = h.status;
    badge.className = 'badge ' + (h.status === 'healthy' ? 'badge-healthy' : 'badge-unhealthy');
  });
}

function loadStatus() {
  apiFetch('/status').then(function(s) {
    document.getElementById('uptime').textContent = 'uptime ' + s.uptime_seconds + 's';
  });
}

loadPools();
loadHealth();
loadStatus();
setInterval(function() { loadPools(); loadHealth(); loadStatus(); }, 5000);
</script>
</body>
</html>
`
