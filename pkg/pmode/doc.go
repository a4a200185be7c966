// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package pmode provides the Processing Mode (P-Mode) configuration graph.

A P-Mode document describes the parties this access point trades with,
the services and actions they exchange, and the processes and legs that
bind them together. The graph is read from a Domibus style XML document:

	<db:configuration xmlns:db="http://domibus.eu/configuration" party="blue_gw">
	    <mpcs>
	        <mpc name="defaultMpc" qualifiedName="..."/>
	    </mpcs>
	    <businessProcesses name="Processes">
	        <roles>...</roles>
	        <parties>...</parties>
	        <meps>...</meps>
	        <securities>...</securities>
	        <agreements>...</agreements>
	        <services>...</services>
	        <actions>...</actions>
	        <as4>
	            <receptionAwareness name="ra" retry="12;4;CONSTANT"/>
	        </as4>
	        <legConfigurations>...</legConfigurations>
	        <process name="tc1Process" mep="oneway" binding="push">...</process>
	    </businessProcesses>
	</db:configuration>

# Loading

Load parses a document and runs the structural validators:

	cfg, issues, err := pmode.Load(raw, pmode.DefaultValidators())

A document is read leniently first; failures there, and any ERROR issue
from a validator, reject it with a ConfigurationInvalidError. The strict
schema pass and the remaining validators only produce warnings.

# Keys

A resolved exchange is identified by its pmodeKey, six entity names
joined by KeySeparator:

	agreement:sender:receiver:service:action:leg

OptionalAndEmpty takes the place of the agreement when a message carries
none. ParsePModeKey reverses the composition.
*/
package pmode
