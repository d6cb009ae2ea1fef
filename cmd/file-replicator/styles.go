package main

import "github.com/charmbracelet/lipgloss"

var (
	// https://github.com/muesli/termenv/blob/master/ansicolors.go
	red   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	green = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	gray  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)
