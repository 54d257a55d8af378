/*
Package config loads renderfarm process configuration with viper.

Settings are merged from, in increasing priority: built-in defaults, an
optional renderfarm.yaml, RENDERFARM_* environment variables and bound
command line flags. Nested keys map to environment names by replacing dots
with underscores, so farm.api_addr is RENDERFARM_FARM_API_ADDR.

	log:
	  level: info
	farm:
	  api_addr: :8080
	  data_dir: /var/lib/renderfarm
	  nodes:
	    - 10.0.0.20:18018
	node:
	  listen_addr: :18018
	  work_dir: /var/tmp/renderfarm-node
*/
package config
