// Package config loads playbook files and process settings.
//
// Playbook files may be YAML, JSON or CUE. Every format is checked against
// a built-in CUE schema, decoded into a PlaybookFile, validated with
// go-playground/validator, and turned into an engine.Playbook by Build:
//
//	name: web
//	hosts: ["deploy@web1:22", "localhost"]
//	commands:
//	  - shell: ["apt-get", "install", "-y", "nginx"]
//	    timeout: 2m
//	    retry: {max_retries: 3, strategy: linear, increment: 1s, max_delay: 10s}
//	  - copy: {from: ./nginx.conf, to: /etc/nginx/nginx.conf}
//	  - verify_access: true
//
// Settings come from defaults, an optional froyoplay.yaml, and FROYOPLAY_*
// environment variables via Viper. WatchFile reports playbook edits.
package config
