// Copyright 2024 The exportd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package render

import "fmt"

// containerSelector is the one element every chart renders into.
const containerSelector = "#container"

// pageTemplate is the fixed document every page is installed with.
const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<style>
html, body { margin: 0; padding: 0; box-sizing: border-box; }
#table-div, #sliders, #datatable, #controls, .ld-row { display: none; height: 0; }
#chart-container { box-sizing: border-box; margin: 0; overflow: auto; font-size: 0; }
#chart-container > figure, div { margin-top: 0 !important; margin-bottom: 0 !important; }
</style>
</head>
<body>
<div id="chart-container">
<div id="container"></div>
</div>
</body>
</html>`

// svgDocument wraps raw vector markup for rasterization.
func svgDocument(markup string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><style>html, body { margin: 0; padding: 0; }</style></head>
<body><div id="chart-container"><div id="container">%s</div></div></body>
</html>`, markup)
}

// preludeJS is evaluated once per page after the library blob. It
// disables renderer animations and installs the per-job entry point.
const preludeJS = `(() => {
	if (typeof Highcharts === 'undefined') {
		return;
	}
	Highcharts.setOptions({
		chart: { animation: false, forExport: true },
		plotOptions: {
			series: {
				animation: false,
				dataLabels: { defer: false },
				states: { hover: { enabled: false } }
			}
		},
		tooltip: { enabled: false },
		exporting: { enabled: false },
		credits: { enabled: false }
	});
	Highcharts.animObject = function () { return { duration: 0 }; };

	window.triggerExport = (config, exportOptions, displayErrors) => {
		window._displayErrors = !!displayErrors;
		const opts = exportOptions || {};
		if (opts.globalOptions) {
			Highcharts.setOptions(opts.globalOptions);
		}
		if (opts.themeOptions) {
			Highcharts.setOptions(opts.themeOptions);
		}
		if (opts.customCode) {
			new Function(opts.customCode)();
		}
		let callback;
		if (opts.callback) {
			callback = new Function('chart', opts.callback);
		}
		const constr = typeof Highcharts[opts.constr] === 'function' ? opts.constr : 'chart';
		Highcharts[constr]('container', config, callback);
	};
})();`

// resetJS destroys charts and restores the container between jobs.
const resetJS = `(() => {
	if (typeof Highcharts !== 'undefined') {
		for (const chart of Highcharts.charts) {
			if (chart && chart.destroy) {
				chart.destroy();
			}
		}
		Highcharts.charts.length = 0;
	}
	const container = document.querySelector('#container');
	if (container) {
		container.innerHTML = '';
	}
	document.body.style.zoom = 1;
	document.body.style.margin = '0px';
})();`
