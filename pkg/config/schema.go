package config

// playbookSchema constrains every playbook file, whatever its format.
const playbookSchema = `
#Duration: (string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$") | (number & >=0)

#Retry: {
	max_retries?: int & >=0 & <=1000
	strategy?:    "none" | "constant" | "linear" | "fibonacci" | "exponential"
	delay?:       #Duration
	increment?:   #Duration
	max_delay?:   #Duration
}

#Command: {
	id?:            string & =~"^[A-Za-z0-9_.:-]+$"
	shell?:         string | [...string]
	env?:           {[=~"^[A-Za-z_][A-Za-z0-9_]*$"]: string}
	copy?:          {from: string, to: string}
	fetch?:         {url: string, to: string}
	verify_access?: bool
	script?:        string
	ignore_failure?: bool
	timeout?:       #Duration
	retry?:         #Retry
}

#Playbook: {
	name?:    string
	hosts:    [string, ...string]
	vars?:    {...}
	commands: [...#Command]
}
`
