package web

const dashboardHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>People Counter</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; font-family: system-ui, sans-serif; background: #14161a; color: #e8e8e8; }
        .app { max-width: 1100px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 16px; }
        .title { font-size: 20px; font-weight: 600; }
        .badge { padding: 3px 10px; border-radius: 10px; font-size: 12px; background: #2a2e35; }
        .badge.ok { background: #1d4d2b; color: #7ee2a0; }
        .badge.degraded { background: #5c3a12; color: #f0b35c; }
        .badge.stopped { background: #5c1d1d; color: #f08c8c; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        .panel { background: #1c1f24; border-radius: 8px; padding: 14px; }
        .panel h2 { margin: 0 0 10px; font-size: 15px; }
        #stream { width: 100%; height: auto; display: block; background: #000; border-radius: 4px; }
        .stat-grid { display: grid; grid-template-columns: 1fr 1fr; gap: 10px; }
        .stat { background: #14161a; border-radius: 6px; padding: 10px; text-align: center; }
        .stat-label { display: block; font-size: 11px; color: #9aa0a8; text-transform: uppercase; }
        .stat-value { display: block; font-size: 26px; font-weight: 600; margin-top: 2px; }
        .row { display: flex; justify-content: space-between; padding: 5px 0; font-size: 13px; border-bottom: 1px solid #262a30; }
        .row span:last-child { color: #9aa0a8; }
        .btn { border: 0; border-radius: 6px; padding: 8px 14px; font-size: 13px; cursor: pointer; background: #2a2e35; color: #e8e8e8; }
        .btn.primary { background: #2b5cad; }
        .btn.danger { background: #8c2b2b; }
        .controls { display: flex; gap: 8px; flex-wrap: wrap; margin-top: 10px; }
        #events { list-style: none; margin: 0; padding: 0; max-height: 220px; overflow-y: auto; font-size: 13px; }
        #events li { padding: 5px 0; border-bottom: 1px solid #262a30; }
        #events .in { color: #7ee2a0; }
        #events .out { color: #f0b35c; }
        input[type=text] { background: #14161a; border: 1px solid #2a2e35; border-radius: 6px; color: #e8e8e8; padding: 7px; font-size: 13px; flex: 1; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">People Counter</div>
            <span class="badge" id="status-badge">connecting...</span>
        </div>

        <div class="grid">
            <div class="panel">
                <h2>Live View</h2>
                <img id="stream" src="/video" alt="Annotated live stream">
                <div class="controls">
                    <button class="btn danger" id="reset-btn">Reset counters</button>
                    <button class="btn primary" id="record-btn">Start recording</button>
                    <input type="text" id="source-input" placeholder="rtsp://... or /path/to/video.mp4 or 0">
                    <button class="btn" id="source-btn">Switch source</button>
                </div>
            </div>

            <div>
                <div class="panel" style="margin-bottom:16px;">
                    <h2>Counts</h2>
                    <div class="stat-grid">
                        <div class="stat">
                            <span class="stat-label">In</span>
                            <span class="stat-value" id="enter">--</span>
                        </div>
                        <div class="stat">
                            <span class="stat-label">Out</span>
                            <span class="stat-value" id="exit">--</span>
                        </div>
                        <div class="stat">
                            <span class="stat-label">Occupancy</span>
                            <span class="stat-value" id="occupancy">--</span>
                        </div>
                        <div class="stat">
                            <span class="stat-label">Unique</span>
                            <span class="stat-value" id="unique">--</span>
                        </div>
                    </div>
                    <div style="margin-top:10px;">
                        <div class="row"><span>Capture FPS</span><span id="capture-fps">--</span></div>
                        <div class="row"><span>Process FPS</span><span id="process-fps">--</span></div>
                        <div class="row"><span>Active tracks</span><span id="tracks">--</span></div>
                        <div class="row"><span>Ticks</span><span id="ticks">--</span></div>
                        <div class="row"><span>Source</span><span id="source">--</span></div>
                    </div>
                </div>

                <div class="panel">
                    <h2>Crossings</h2>
                    <ul id="events"><li>waiting for events...</li></ul>
                </div>
            </div>
        </div>
    </div>

    <script>
        const badge = document.getElementById('status-badge');
        let recording = false;
        let eventsSeen = 0;

        function setText(id, value) {
            document.getElementById(id).textContent = value;
        }

        const stats = new EventSource('/api/stats/stream');
        stats.onmessage = (e) => {
            const st = JSON.parse(e.data);
            const totals = st.counts && st.counts.totals ? st.counts.totals : {};
            setText('enter', totals.enter ?? 0);
            setText('exit', totals.exit ?? 0);
            setText('occupancy', totals.occupancy ?? 0);
            setText('unique', st.unique_people > 0 ? st.unique_people : '--');
            setText('capture-fps', (st.capture_fps ?? 0).toFixed(1));
            setText('process-fps', (st.process_fps ?? 0).toFixed(1));
            setText('tracks', st.tracks ?? 0);
            setText('ticks', st.ticks ?? 0);
            setText('source', st.source ?? '--');

            if (!st.running) {
                badge.textContent = 'stopped';
                badge.className = 'badge stopped';
            } else if (st.degraded) {
                badge.textContent = 'degraded';
                badge.className = 'badge degraded';
            } else {
                badge.textContent = 'running';
                badge.className = 'badge ok';
            }

            recording = !!st.recording;
            document.getElementById('record-btn').textContent =
                recording ? 'Stop recording' : 'Start recording';
        };
        stats.onerror = () => {
            badge.textContent = 'disconnected';
            badge.className = 'badge stopped';
        };

        const feed = new EventSource('/api/events/stream');
        feed.onmessage = (e) => {
            const ev = JSON.parse(e.data);
            const list = document.getElementById('events');
            if (eventsSeen === 0) list.innerHTML = '';
            eventsSeen++;
            const li = document.createElement('li');
            const when = new Date(ev.timestamp).toLocaleTimeString();
            li.innerHTML = '<span class="' + ev.direction + '">' + ev.direction.toUpperCase() +
                '</span> at ' + ev.gate + ' (track ' + ev.track_id + ') ' + when;
            list.prepend(li);
            while (list.children.length > 50) list.removeChild(list.lastChild);
        };

        document.getElementById('reset-btn').onclick = async () => {
            await fetch('/api/reset', { method: 'POST' });
        };

        document.getElementById('record-btn').onclick = async () => {
            const path = recording ? '/api/recording/stop' : '/api/recording/start';
            await fetch(path, { method: 'POST' });
        };

        document.getElementById('source-btn').onclick = async () => {
            const source = document.getElementById('source-input').value.trim();
            if (!source) return;
            const resp = await fetch('/api/change_source', {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: JSON.stringify({ source }),
            });
            if (!resp.ok) {
                const body = await resp.json().catch(() => ({}));
                alert('Source switch failed: ' + (body.error || resp.status));
            }
        };
    </script>
</body>
</html>
`
